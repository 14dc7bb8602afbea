package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/core/middleware"
	"github.com/miladsoleymani/eventbus/dedup"
	"github.com/miladsoleymani/eventbus/internal/metrics"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Run a listener for every subscription in the configuration and log what arrives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Address for /metrics and /health; empty disables the server",
				EnvVars: []string{"EVENTBUS_METRICS_ADDR"},
				Value:   ":9090",
			},
			&cli.DurationFlag{
				Name:    "handler-timeout",
				Usage:   "Upper bound on the handling of one message; 0 disables it",
				EnvVars: []string{"EVENTBUS_HANDLER_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "dedup-redis",
				Usage:   "Redis address used to skip already handled messages",
				EnvVars: []string{"EVENTBUS_DEDUP_REDIS"},
			},
			&cli.DurationFlag{
				Name:    "dedup-ttl",
				Usage:   "How long handled message keys are remembered",
				EnvVars: []string{"EVENTBUS_DEDUP_TTL"},
				Value:   24 * time.Hour,
			},
			&cli.StringFlag{
				Name:    "dead-letter",
				Usage:   "Destination (kind:name) receiving messages that keep failing",
				EnvVars: []string{"EVENTBUS_DEAD_LETTER"},
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Deliveries before a failing message is dead-lettered",
				EnvVars: []string{"EVENTBUS_MAX_ATTEMPTS"},
				Value:   5,
			},
		},
		Action: runListen,
	}
}

func runListen(c *cli.Context) error {
	fc, err := loadConfig(c)
	if err != nil {
		return err
	}
	for i, s := range fc.Subscriptions {
		if s.MessageType == "" {
			return fmt.Errorf("subscriptions[%d]: message_type is required", i)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := fc.NewTransport()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := middleware.NewPrometheusCollector(reg)
	if err != nil {
		return err
	}

	opts := append(fc.BusOptions(), core.WithPublisherOptions(
		core.WithPublishMiddleware(middleware.PublishMetrics(collector), middleware.PublishLogging(log.Logger)),
		core.WithBatchMiddleware(middleware.BatchLogging(log.Logger)),
	))
	bus := core.New(transport, opts...)
	fc.ApplyRoutes(bus.Publisher())

	mws, cleanup, err := handleMiddleware(ctx, c, transport, collector)
	if err != nil {
		return err
	}
	defer cleanup()
	bus.Use(mws...)

	for _, sub := range fc.Subscriptions {
		if err := core.Subscribe[rawMessage](bus, sub, logMessage(sub)); err != nil {
			return err
		}
	}

	var ready atomic.Bool
	if addr := c.String("metrics-addr"); addr != "" {
		srv := metrics.NewServer(addr, reg, ready.Load)
		errCh := srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown")
			}
		}()
		go func() {
			if err := <-errCh; err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
				stop()
			}
		}()
		log.Info().Str("addr", addr).Msg("Serving metrics")
	}

	go func() {
		for ctx.Err() == nil {
			if listenersPolling(bus) {
				ready.Store(true)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	log.Info().Str("transport", fc.Transport).Int("subscriptions", len(fc.Subscriptions)).Msg("Listening")
	if err := bus.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleMiddleware builds the bus-wide handler pipeline from the flags.
// The returned cleanup releases the dedup store.
func handleMiddleware(ctx context.Context, c *cli.Context, transport core.Transport, collector *middleware.PrometheusCollector) ([]core.HandleMiddleware, func(), error) {
	mws := []core.HandleMiddleware{
		middleware.Recovery(),
		middleware.Logging(log.Logger),
		middleware.Metrics(collector),
	}
	cleanup := func() {}

	if d := c.String("dead-letter"); d != "" {
		dest, err := parseDestination(d)
		if err != nil {
			return nil, nil, err
		}
		mws = append(mws, middleware.DeadLetter(transport, dest, c.Int("max-attempts")))
	}
	if addr := c.String("dedup-redis"); addr != "" {
		store, err := dedup.NewRedisStore(ctx, addr, c.Duration("dedup-ttl"))
		if err != nil {
			return nil, nil, fmt.Errorf("dedup store: %w", err)
		}
		mws = append(mws, middleware.Deduplicate(store))
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Close dedup store")
			}
		}
	}
	if d := c.Duration("handler-timeout"); d > 0 {
		mws = append(mws, middleware.Timeout(d))
	}
	return mws, cleanup, nil
}

func logMessage(sub core.SubscriptionConfig) core.HandlerFunc[*rawMessage] {
	name := sub.Name
	if name == "" {
		name = sub.Queue.Name
	}
	return func(_ context.Context, msg *rawMessage) (bool, error) {
		log.Info().
			Str("subscription", name).
			Str("queue", sub.Queue.String()).
			Str("unique_key", msg.UniqueKey()).
			RawJSON("body", msg.body).
			Msg("Message received")
		return true, nil
	}
}

func listenersPolling(bus *core.Bus) bool {
	ls := bus.Listeners()
	if len(ls) == 0 {
		return false
	}
	for _, l := range ls {
		if s := l.State(); s != core.StatePolling && s != core.StateDispatching {
			return false
		}
	}
	return true
}
