package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/miladsoleymani/eventbus/broker"

	// Transports register themselves with the broker registry.
	_ "github.com/miladsoleymani/eventbus/plugins/kafka"
	_ "github.com/miladsoleymani/eventbus/plugins/memory"
	_ "github.com/miladsoleymani/eventbus/plugins/nats"
	_ "github.com/miladsoleymani/eventbus/plugins/rabbitmq"
	_ "github.com/miladsoleymani/eventbus/plugins/sqs"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "eventbus",
		Usage: "Publish and consume messages through a configured transport",
		// --data values are JSON objects and contain commas.
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML bus configuration",
				EnvVars: []string{"EVENTBUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"EVENTBUS_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Write logs as JSON instead of console output",
				EnvVars: []string{"EVENTBUS_LOG_JSON"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			listenCommand(),
			publishCommand(),
			{
				Name:  "transports",
				Usage: "List the registered transports",
				Action: func(c *cli.Context) error {
					for _, name := range broker.Names() {
						fmt.Fprintln(c.App.Writer, name)
					}
					return nil
				},
			},
		},
	}
}

func setupLogging(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if !c.Bool("log-json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

// loadConfig reads the file named by --config.
func loadConfig(c *cli.Context) (*broker.FileConfig, error) {
	path := c.String("config")
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return broker.LoadFile(path)
}
