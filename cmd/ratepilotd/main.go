package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ratepilot/pkg/config"
	"ratepilot/pkg/logger"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

var version = "dev"

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to ratepilot config file",
		Value:   "configs/config.yaml",
		EnvVars: []string{"RATEPILOT_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "address",
		Usage: "HTTP listen address, overrides server.address",
	},
	&cli.StringFlag{
		Name:  "strategy",
		Usage: "loss conditioner strategy: single_step or ladder_step",
	},
	&cli.StringFlag{
		Name:  "sink",
		Usage: "bitrate sink: simulation or webrtc",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log level to debug with the console encoder",
	},
}

func main() {
	app := &cli.App{
		Name:        "ratepilotd",
		Usage:       "adaptive bitrate controller for a live uplink",
		Description: "run without subcommands to start the daemon",
		Flags:       baseFlags,
		Action:      runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "validate the configuration and print the effective values",
				Action: checkConfig,
			},
		},
		Version: version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, then applies command line overrides on
// top of the file and RATEPILOT_* environment values.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if addr := c.String("address"); addr != "" {
		cfg.Server.Address = addr
	}
	if strategy := c.String("strategy"); strategy != "" {
		cfg.Conditioner.Strategy = strategy
	}
	if sink := c.String("sink"); sink != "" {
		cfg.Sink.Kind = sink
	}
	if c.Bool("dev") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = zapLogger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return a.start(ctx)
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}
