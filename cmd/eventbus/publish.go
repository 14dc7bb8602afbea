package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/core/middleware"
)

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish JSON messages of one type",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "type",
				Aliases:  []string{"t"},
				Usage:    "Message type attribute of the published messages",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "JSON object to publish; repeat for a batch, or pass - to read one object per line from stdin",
			},
			&cli.StringFlag{
				Name:  "destination",
				Usage: "Destination (kind:name) overriding the configured route for the type",
			},
		},
		Action: runPublish,
	}
}

func runPublish(c *cli.Context) error {
	fc, err := loadConfig(c)
	if err != nil {
		return err
	}
	msgType := c.String("type")
	msgs, err := readMessages(c.App.Reader, msgType, c.StringSlice("data"))
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("nothing to publish: pass --data")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := fc.NewTransport()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Close transport")
		}
	}()

	out := c.App.Writer
	cfg := fc.Publish
	cfg.MessageResponseLogger = func(resp core.MessageResponse, _ core.Message) {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d\n", resp.Outcome, resp.Destination, resp.MessageID, resp.Attempts)
	}
	cfg.MessageBatchResponseLogger = func(resp core.MessageBatchResponse, _ []core.Message) {
		for _, s := range resp.Succeeded {
			fmt.Fprintf(out, "%s\t%s\t%s\n", core.OutcomeSucceeded, s.Destination, s.MessageID)
		}
		for _, f := range resp.Failed {
			fmt.Fprintf(out, "%s\t%s\t%s\t%v\n", core.OutcomeFailed, f.Destination, f.UniqueKey, f.Err)
		}
	}

	pub := core.NewPublisher(transport,
		core.WithPublishConfig(cfg),
		core.WithPublishLogger(log.Logger),
		core.WithPublishMiddleware(middleware.PublishLogging(log.Logger)),
		core.WithBatchMiddleware(middleware.BatchLogging(log.Logger)),
	)
	fc.ApplyRoutes(pub)
	if d := c.String("destination"); d != "" {
		dest, err := parseDestination(d)
		if err != nil {
			return err
		}
		pub.Route(msgType, dest)
	}
	if err := pub.Start(ctx); err != nil {
		return err
	}

	if len(msgs) == 1 {
		return pub.Publish(ctx, msgs[0])
	}
	batch := make([]core.Message, len(msgs))
	for i, m := range msgs {
		batch[i] = m
	}
	_, err = pub.PublishBatch(ctx, batch)
	return err
}

// readMessages parses every --data value. A value of "-" reads one JSON
// object per non-empty line of stdin.
func readMessages(stdin io.Reader, msgType string, data []string) ([]*rawMessage, error) {
	var msgs []*rawMessage
	add := func(b []byte) error {
		m, err := newRawMessage(msgType, b)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	}

	for _, d := range data {
		if d != "-" {
			if err := add([]byte(d)); err != nil {
				return nil, err
			}
			continue
		}
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if err := add(line); err != nil {
				return nil, err
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	return msgs, nil
}
