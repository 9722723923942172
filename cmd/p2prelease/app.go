package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/betbot/p2prelease/internal/approval"
	"github.com/betbot/p2prelease/internal/challenge"
	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/exchange"
	"github.com/betbot/p2prelease/internal/lock"
	"github.com/betbot/p2prelease/internal/marketdata"
	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/internal/purchase"
	"github.com/betbot/p2prelease/internal/reconcile"
	"github.com/betbot/p2prelease/internal/release"
	"github.com/betbot/p2prelease/internal/risk"
	"github.com/betbot/p2prelease/internal/store"
	"github.com/betbot/p2prelease/internal/verifycode"
	"github.com/betbot/p2prelease/pkg/config"
	"github.com/betbot/p2prelease/pkg/logger"
	"github.com/betbot/p2prelease/pkg/secretstore"
	"github.com/betbot/p2prelease/pkg/shutdown"
)

// Breaker names, also used as the metrics label.
const (
	breakerMerchantPending = "merchantPendingOrders"
	breakerOrderHistory    = "orderHistory"
	breakerOrderBook       = "orderBook"
)

// loadConfig reads the config named by the global flags and installs the logger.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	return cfg, nil
}

// openSecrets opens the encrypted Badger store holding the captured console session.
func openSecrets(cfg *config.Config) (*secretstore.Store, []byte, error) {
	key, err := secretstore.ParseKey(cfg.Session.EncryptionKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session.encryption_key")
	}
	if len(key) == 0 {
		return nil, nil, errors.New("session.encryption_key (P2P_SECRETS_KEY) is required")
	}
	st, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Session.SecretsDir, EncryptionKey: key})
	if err != nil {
		return nil, nil, errors.Wrap(err, "open secret store")
	}
	return st, key, nil
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	log      *logrus.Entry
	metrics  *metrics.Metrics
	shutdown *shutdown.Manager

	exchange  *exchange.Client
	approval  *approval.Client
	store     store.Store
	locker    lock.Locker
	sw        *purchase.Switch
	stream    *marketdata.DepthStream
	purchaser *purchase.Purchaser

	monitor    *release.Monitor
	reconciler *reconcile.Reconciler
}

func newBreaker(name string, m *metrics.Metrics) *risk.CircuitBreaker {
	return risk.NewCircuitBreaker(risk.CircuitBreakerConfig{Name: name, OnReject: m.BreakerRejected})
}

// build wires every component. Resources that need closing are registered on the
// shutdown manager as they are created.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      logger.Component("main"),
		metrics:  metrics.New(),
		shutdown: shutdown.NewManager(),
	}

	secrets, key, err := openSecrets(cfg)
	if err != nil {
		return nil, err
	}
	a.shutdown.OnShutdown("secretstore", func(context.Context) error { return secrets.Close() })

	loaders := []exchange.BundleLoader{&exchange.SecretStoreBundle{Store: secrets}}
	if cfg.Session.EncryptedFile != "" {
		loaders = append(loaders, &exchange.EncryptedFileBundle{Path: cfg.Session.EncryptedFile, Key: key})
	}
	session := &exchange.BrowserSession{
		Loaders:        loaders,
		Referer:        cfg.Session.Referer,
		AcceptLanguage: cfg.Session.AcceptLanguage,
		APIKey:         cfg.Exchange.APIKey,
	}
	a.exchange = exchange.New(exchange.Config{
		APIBaseURL:     cfg.Exchange.APIBaseURL,
		ConsoleBaseURL: cfg.Exchange.ConsoleBaseURL,
		APIKey:         cfg.Exchange.APIKey,
		APISecret:      cfg.Exchange.APISecret,
		Timeout:        cfg.Exchange.Timeout,
		RecvWindow:     cfg.Exchange.RecvWindow,
	}, session, logger.Component("exchange"))

	a.approval = approval.New(approval.Config{
		BaseURL:   cfg.Approval.BaseURL,
		Email:     cfg.Approval.Email,
		Password:  cfg.Approval.Password,
		CompanyID: cfg.Approval.CompanyID,
		Timeout:   cfg.Approval.Timeout,
	}, logger.Component("approval"))

	a.store, err = store.Open(store.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		DSN:          cfg.Store.DSN,
		MirrorDriver: cfg.Store.MirrorDriver,
		MirrorDSN:    cfg.Store.MirrorDSN,
	}, logger.Component("store"))
	if err != nil {
		a.shutdown.Shutdown(ctx)
		return nil, errors.Wrap(err, "open store")
	}
	a.shutdown.OnShutdown("store", func(context.Context) error { return a.store.Close() })

	a.locker, err = a.newLocker(ctx)
	if err != nil {
		a.shutdown.Shutdown(ctx)
		return nil, err
	}

	coordinator := challenge.NewCoordinator(a.exchange, a.emailProvider(), a.totpProvider(),
		challenge.WithDelays(challenge.Delays{Settle: cfg.Release.SettleDelay, EmailDelivery: cfg.Release.EmailDelay}),
		challenge.WithLogger(logger.Component("challenge")),
	)
	a.monitor = release.NewMonitor(release.Config{
		BatchSize:  cfg.Release.BatchSize,
		OrderPause: cfg.Release.OrderPause,
		CyclePause: cfg.Release.CyclePause,
		LockTTL:    cfg.Release.LockTTL,
	}, release.Deps{
		Candidates: a.approval,
		Pending:    a.exchange,
		Releaser:   coordinator,
		Locker:     a.locker,
		Breaker:    newBreaker(breakerMerchantPending, a.metrics),
		Metrics:    a.metrics,
		Log:        logger.Component("releaser"),
	})

	a.sw = purchase.NewSwitch(cfg.Purchase.Enabled, logger.Component("purchase-switch"))
	var prices purchase.PriceSource = purchase.NewRESTPriceSource(a.exchange, newBreaker(breakerOrderBook, a.metrics))
	if cfg.Purchase.DepthStream {
		a.stream = marketdata.NewDepthStream(marketdata.StreamConfig{
			URL:    cfg.Purchase.StreamURL,
			Symbol: cfg.Purchase.Symbol,
		}, a.exchange, logger.Component("depth"))
		a.shutdown.OnShutdown("depth-stream", func(context.Context) error { return a.stream.Close() })
		prices = purchase.NewStreamPriceSource(a.stream, cfg.Purchase.MaxBookAge, prices, logger.Component("price"))
	}
	offset, err := decimal.NewFromString(cfg.Purchase.PriceOffset)
	if err != nil {
		a.shutdown.Shutdown(ctx)
		return nil, errors.Wrap(err, "purchase.price_offset")
	}
	a.purchaser = purchase.NewPurchaser(a.exchange, prices, a.sw, purchase.Config{
		Symbol:         cfg.Purchase.Symbol,
		PriceOffset:    offset,
		PricePrecision: cfg.Purchase.PricePrecision,
	}, a.metrics, logger.Component("purchase"))

	a.reconciler = reconcile.New(reconcile.Config{
		Interval:  cfg.Reconcile.Interval,
		TradeType: domain.TradeType(cfg.Reconcile.TradeType),
		Rows:      cfg.Reconcile.Rows,
	}, reconcile.Deps{
		Exchange:  a.exchange,
		Store:     a.store,
		Names:     a.approval,
		Completed: a.purchaser,
		Breaker:   newBreaker(breakerOrderHistory, a.metrics),
		Metrics:   a.metrics,
		Log:       logger.Component("reconciler"),
	})
	return a, nil
}

// newLocker returns the Redis release lock when configured, the in-process one otherwise.
func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Lock.RedisAddr == "" {
		return lock.NewMemoryLocker(16), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Lock.RedisAddr,
		Password: a.cfg.Lock.RedisPassword,
		DB:       a.cfg.Lock.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis %s", a.cfg.Lock.RedisAddr)
	}
	a.shutdown.OnShutdown("redis", func(context.Context) error { return client.Close() })
	a.log.WithField("addr", a.cfg.Lock.RedisAddr).Info("release lock shared through redis")
	return lock.NewRedisLocker(client, ""), nil
}

func (a *app) emailProvider() challenge.EmailCodeProvider {
	e := a.cfg.Email
	if e.Host == "" {
		a.log.Warn("email.host not set, orders requiring an email code will fail")
		return nil
	}
	dial := verifycode.DialIMAP(verifycode.IMAPConfig{
		Host:               e.Host,
		Port:               e.Port,
		Username:           e.Username,
		Password:           e.Password,
		TLS:                e.TLS,
		InsecureSkipVerify: e.InsecureSkipVerify,
		Mailbox:            e.Mailbox,
		Timeout:            e.Timeout,
	})
	return verifycode.NewEmailProvider(dial, verifycode.EmailConfig{
		SubjectMarker: e.SubjectMarker,
		ScanDepth:     e.ScanDepth,
		Attempts:      e.Attempts,
		Backoff:       e.Backoff,
	}, logger.Component("email-code"))
}

func (a *app) totpProvider() challenge.TOTPProvider {
	if a.cfg.TOTP.Secret == "" {
		a.log.Warn("totp.secret not set, orders requiring an authenticator code will fail")
		return nil
	}
	return verifycode.NewTOTPProvider(a.cfg.TOTP.Secret, a.cfg.TOTP.GuardWait)
}
