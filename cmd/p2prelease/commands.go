package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/betbot/p2prelease/internal/controlplane/server"
	"github.com/betbot/p2prelease/internal/exchange"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/pkg/logger"
	"github.com/betbot/p2prelease/pkg/secretstore"
	"github.com/betbot/p2prelease/pkg/syncgroup"
)

const gracefulShutdownPeriod = 10 * time.Second

var runCmd = &cli.Command{
	Name:   "run",
	Usage:  "Run the release monitor and the order reconciler until interrupted",
	Action: runAction,
}

var releaseCmd = &cli.Command{
	Name:  "release",
	Usage: "Release one order through the challenge flow and exit",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "order", Usage: "order number", Required: true},
	},
	Action: releaseAction,
}

var sessionCmd = &cli.Command{
	Name:  "session",
	Usage: "Manage the captured merchant console session",
	Subcommands: []*cli.Command{
		{
			Name:  "import",
			Usage: "Store a captured header bundle (JSON) encrypted at rest",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "header bundle, - for stdin", Required: true},
				&cli.BoolFlag{Name: "sealed-file", Usage: "write to session.encrypted_file instead of the secret store"},
			},
			Action: sessionImportAction,
		},
	},
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.log

	if cfg.Control.Listen != "" {
		ctl := server.New(server.Config{Listen: cfg.Control.Listen}, a.sw, a.store, a.metrics, logger.Component("control"))
		if err := ctl.Start(); err != nil {
			a.shutdown.Shutdown(context.Background())
			return errors.Wrap(err, "start control server")
		}
		a.shutdown.OnShutdown("control", ctl.Close)
	}
	if cfg.Control.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Control.DebugListen, a.metrics, logger.Component("debug")); err != nil {
			log.WithError(err).Warn("debug server not started")
		}
	}
	if a.stream != nil {
		a.stream.Start(ctx)
	}

	loops := syncgroup.NewSyncGroup()
	loops.Add(func() { a.monitor.Run(ctx) })
	loops.Add(func() { a.reconciler.Run(ctx) })
	loops.Run()
	log.WithField("autoPurchase", a.sw.IsRunning()).Info("p2prelease started, press Ctrl+C to stop")

	<-ctx.Done()
	log.Info("stop signal received, waiting for cycles in flight")
	loops.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()
	a.shutdown.Shutdown(shutdownCtx)
	return nil
}

func releaseAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
		defer cancel()
		a.shutdown.Shutdown(shutdownCtx)
	}()

	order := c.String("order")
	attempt, err := a.monitor.ReleaseOrder(ctx, order)
	if err != nil {
		return errors.Wrapf(err, "release %s", order)
	}
	fmt.Fprintf(c.App.Writer, "order %s released (%s, %d challenge steps)\n", order, attempt.State, len(attempt.RequiredSteps))
	return nil
}

func sessionImportAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	in := os.Stdin
	if path := c.String("file"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var dst exchange.BundleSaver
	if c.Bool("sealed-file") {
		if cfg.Session.EncryptedFile == "" {
			return errors.New("session.encrypted_file is not set")
		}
		key, err := secretstore.ParseKey(cfg.Session.EncryptionKey)
		if err != nil {
			return errors.Wrap(err, "session.encryption_key")
		}
		dst = &exchange.EncryptedFileBundle{Path: cfg.Session.EncryptedFile, Key: key}
	} else {
		secrets, _, err := openSecrets(cfg)
		if err != nil {
			return err
		}
		defer secrets.Close()
		dst = &exchange.SecretStoreBundle{Store: secrets}
	}

	n, err := exchange.ImportSession(in, dst)
	if err != nil {
		return errors.Wrap(err, "import session")
	}
	logger.Infof("imported %d session headers", n)
	return nil
}
