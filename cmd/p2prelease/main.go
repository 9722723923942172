package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

const appName = "p2prelease"

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
		EnvVars: []string{"P2P_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file loaded before the config (default: .env when present)",
	},
}

func main() {
	app := &cli.App{
		Name:        appName,
		Usage:       "release paid P2P orders and keep the order snapshot reconciled",
		Description: fmt.Sprintf("For help on any individual command run <%s COMMAND -h>", appName),
		Flags:       globalFlags,
		Commands: cli.Commands{
			runCmd,
			releaseCmd,
			sessionCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Errorf("%s: %v", appName, err)
		os.Exit(1)
	}
}
