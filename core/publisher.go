package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherOptions)

type publisherOptions struct {
	config     PublishConfig
	serializer Serializer
	logger     zerolog.Logger
	publishMWs []PublishMiddleware
	batchMWs   []BatchMiddleware
}

func publisherDefaults() publisherOptions {
	return publisherOptions{
		config:     DefaultPublishConfig(),
		serializer: JSONSerializer{},
		logger:     log.Logger,
	}
}

// WithPublishConfig sets the publish policy.
func WithPublishConfig(cfg PublishConfig) PublisherOption {
	return func(o *publisherOptions) { o.config = cfg }
}

// WithPublishSerializer sets the serializer used for outbound bodies.
func WithPublishSerializer(s Serializer) PublisherOption {
	return func(o *publisherOptions) { o.serializer = s }
}

// WithPublishLogger sets the logger.
func WithPublishLogger(l zerolog.Logger) PublisherOption {
	return func(o *publisherOptions) { o.logger = l }
}

// WithPublishMiddleware adds middleware around every single-message send.
// It runs outside the retry loop and sees the final outcome.
func WithPublishMiddleware(mws ...PublishMiddleware) PublisherOption {
	return func(o *publisherOptions) { o.publishMWs = append(o.publishMWs, mws...) }
}

// WithBatchMiddleware adds middleware around every batch send.
func WithBatchMiddleware(mws ...BatchMiddleware) PublisherOption {
	return func(o *publisherOptions) { o.batchMWs = append(o.batchMWs, mws...) }
}

// Publisher sends messages to the destinations routed for their type,
// retrying retryable failures and reporting every outcome to the configured
// response loggers.
type Publisher struct {
	transport  Transport
	serializer Serializer
	config     PublishConfig
	log        zerolog.Logger

	mu     sync.RWMutex
	routes map[string]Destination

	single PublishFunc
	batch  BatchFunc
}

// NewPublisher creates a Publisher bound to the given Transport.
func NewPublisher(t Transport, fns ...PublisherOption) *Publisher {
	opts := publisherDefaults()
	for _, fn := range fns {
		fn(&opts)
	}

	p := &Publisher{
		transport:  t,
		serializer: opts.serializer,
		config:     opts.config.normalize(),
		log:        opts.logger.With().Str("component", "publisher").Logger(),
		routes:     make(map[string]Destination),
	}

	singleMWs := append([]PublishMiddleware{p.reportResponse}, opts.publishMWs...)
	singleMWs = append(singleMWs, retryPublish(p.config))
	p.single = Chain(p.send, singleMWs...)

	batchMWs := append([]BatchMiddleware{}, opts.batchMWs...)
	batchMWs = append(batchMWs, retryBatch(p.config))
	p.batch = Chain(p.sendBatch, batchMWs...)

	return p
}

// Config returns a copy of the publish policy.
func (p *Publisher) Config() PublishConfig { return p.config }

// Route directs messages of the given type to dest. Must be called before
// publishing messages of that type.
func (p *Publisher) Route(messageType string, dest Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[messageType] = dest
}

// RouteType routes messages of type *T to dest.
func RouteType[T any, PT interface {
	*T
	Message
}](p *Publisher, dest Destination) {
	p.Route(TypeOf(PT(new(T))), dest)
}

// Destination returns the destination routed for messageType.
func (p *Publisher) Destination(messageType string) (Destination, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.routes[messageType]
	return d, ok
}

// Start provisions every routed destination when the transport supports it.
func (p *Publisher) Start(ctx context.Context) error {
	if p.transport == nil {
		return ErrNoBroker
	}
	prov, ok := p.transport.(Provisioner)
	if !ok {
		return nil
	}

	p.mu.RLock()
	dests := make([]Destination, 0, len(p.routes))
	for _, d := range p.routes {
		dests = append(dests, d)
	}
	p.mu.RUnlock()

	for _, d := range dests {
		if err := prov.EnsureDestination(ctx, d); err != nil {
			return fmt.Errorf("eventbus: provision %s: %w", d, err)
		}
	}
	return nil
}

// Publish sends msg to its routed destination and to the equivalent
// destination of every additional subscriber account. It returns only after
// the attempt budget is spent or the message is delivered; failures for
// different accounts are joined and never roll back successful sends.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if p.transport == nil {
		return ErrNoBroker
	}
	msgType := TypeOf(msg)

	dest, ok := p.Destination(msgType)
	if !ok {
		err := fmt.Errorf("%w %q", ErrNoRoute, msgType)
		p.logResponse(MessageResponse{UniqueKey: msg.UniqueKey(), Outcome: OutcomeFailed, Err: err}, msg)
		return err
	}

	out, err := p.outbound(msg, msgType)
	if err != nil {
		p.logResponse(MessageResponse{UniqueKey: msg.UniqueKey(), Destination: dest, Outcome: OutcomeFailed, Err: err}, msg)
		return err
	}

	var errs []error
	for _, d := range p.targets(dest) {
		pc := &PublishContext{
			Message:     msg,
			MessageType: msgType,
			Destination: d,
			Outbound:    out,
		}
		if _, err := p.single(ctx, pc); err != nil {
			errs = append(errs, fmt.Errorf("eventbus: publish %s to %s: %w", msgType, d, err))
		}
	}
	return errors.Join(errs...)
}

// PublishBatch sends msgs grouped by destination, in chunks of at most
// BatchSize. Entries that fail with retryable errors are resubmitted within
// the attempt budget. The batch response logger is called exactly once.
// Entry Index values in the response are positions in msgs.
//
// A partially successful batch is not an error. When no entry could be
// delivered the error is a *BatchError carrying the response.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []Message) (MessageBatchResponse, error) {
	if p.transport == nil {
		return MessageBatchResponse{}, ErrNoBroker
	}
	if len(msgs) == 0 {
		p.logBatchResponse(MessageBatchResponse{}, msgs)
		return MessageBatchResponse{}, nil
	}

	var (
		agg       MessageBatchResponse
		order     []Destination
		groups    = make(map[Destination][]OutboundMessage)
		positions = make(map[Destination][]int)
	)
	for i, msg := range msgs {
		msgType := TypeOf(msg)
		dest, ok := p.Destination(msgType)
		if !ok {
			agg.Failed = append(agg.Failed, BatchEntryFailure{
				Index:     i,
				UniqueKey: msg.UniqueKey(),
				Err:       fmt.Errorf("%w %q", ErrNoRoute, msgType),
			})
			continue
		}
		out, err := p.outbound(msg, msgType)
		if err != nil {
			agg.Failed = append(agg.Failed, BatchEntryFailure{Index: i, UniqueKey: msg.UniqueKey(), Destination: dest, Err: err})
			continue
		}
		for _, d := range p.targets(dest) {
			if _, seen := groups[d]; !seen {
				order = append(order, d)
			}
			groups[d] = append(groups[d], out)
			positions[d] = append(positions[d], i)
		}
	}

	var errs []error
	for _, d := range order {
		entries := groups[d]
		for start := 0; start < len(entries); start += p.config.BatchSize {
			end := min(start+p.config.BatchSize, len(entries))
			bc := &BatchContext{
				Destination: d,
				Messages:    msgs,
				Entries:     entries[start:end],
			}
			resp, err := p.batch(ctx, bc)
			agg.merge(remapIndexes(resp, positions[d][start:end]))
			if err != nil {
				errs = append(errs, fmt.Errorf("eventbus: batch publish to %s: %w", d, err))
			}
		}
	}
	if len(order) == 1 {
		agg.Destination = order[0]
	}

	p.logBatchResponse(agg, msgs)

	if agg.Status() == BatchFailed {
		errs = append([]error{&BatchError{Response: agg}}, errs...)
	}
	return agg, errors.Join(errs...)
}

// remapIndexes rewrites chunk positions in resp to the input positions in pos.
func remapIndexes(resp MessageBatchResponse, pos []int) MessageBatchResponse {
	for i, s := range resp.Succeeded {
		if s.Index >= 0 && s.Index < len(pos) {
			resp.Succeeded[i].Index = pos[s.Index]
		}
	}
	for i, f := range resp.Failed {
		if f.Index >= 0 && f.Index < len(pos) {
			resp.Failed[i].Index = pos[f.Index]
		}
	}
	return resp
}

// targets returns dest followed by its equivalent in each additional account.
func (p *Publisher) targets(dest Destination) []Destination {
	out := make([]Destination, 0, 1+len(p.config.AdditionalSubscriberAccounts))
	out = append(out, dest)
	for _, acct := range p.config.AdditionalSubscriberAccounts {
		if acct == "" || acct == dest.Account {
			continue
		}
		out = append(out, dest.ForAccount(acct))
	}
	return out
}

func (p *Publisher) outbound(msg Message, msgType string) (OutboundMessage, error) {
	body, err := p.serializer.Serialize(msg)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w: %s: %w", ErrMalformedMessage, msgType, err)
	}
	return OutboundMessage{
		UniqueKey: msg.UniqueKey(),
		Body:      body,
		Attributes: map[string]string{
			AttrMessageType: msgType,
			AttrUniqueKey:   msg.UniqueKey(),
			AttrContentType: p.serializer.ContentType(),
		},
	}, nil
}

// send is the terminal step of the single-publish pipeline.
func (p *Publisher) send(ctx context.Context, pc *PublishContext) (MessageResponse, error) {
	resp, err := p.transport.Send(ctx, pc.Destination, pc.Outbound)
	resp.UniqueKey = pc.Outbound.UniqueKey
	resp.Destination = pc.Destination
	return resp, err
}

// sendBatch is the terminal step of the batch pipeline.
func (p *Publisher) sendBatch(ctx context.Context, bc *BatchContext) (MessageBatchResponse, error) {
	resp, err := p.transport.SendBatch(ctx, bc.Destination, bc.Entries)
	resp.Destination = bc.Destination
	for i := range resp.Succeeded {
		resp.Succeeded[i].Destination = bc.Destination
	}
	for i := range resp.Failed {
		resp.Failed[i].Destination = bc.Destination
	}
	return resp, err
}

// reportResponse is the outermost single-publish step: it classifies the
// final outcome and hands it to the response logger before returning.
func (p *Publisher) reportResponse(next PublishFunc) PublishFunc {
	return func(ctx context.Context, pc *PublishContext) (MessageResponse, error) {
		resp, err := next(ctx, pc)
		resp.UniqueKey = pc.Outbound.UniqueKey
		resp.Destination = pc.Destination
		resp.Err = err
		switch {
		case err == nil:
			resp.Outcome = OutcomeSucceeded
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			resp.Outcome = OutcomeCanceled
		default:
			resp.Outcome = OutcomeFailed
		}
		p.logResponse(resp, pc.Message)
		return resp, err
	}
}

func (p *Publisher) logResponse(resp MessageResponse, msg Message) {
	ev := p.log.Debug()
	if resp.Outcome != OutcomeSucceeded {
		ev = p.log.Warn().Err(resp.Err)
	}
	ev.Str("destination", resp.Destination.String()).
		Str("unique_key", resp.UniqueKey).
		Str("message_id", resp.MessageID).
		Int("attempts", resp.Attempts).
		Stringer("outcome", resp.Outcome).
		Msg("Published message")

	if p.config.MessageResponseLogger != nil {
		p.config.MessageResponseLogger(resp, msg)
	}
}

func (p *Publisher) logBatchResponse(resp MessageBatchResponse, msgs []Message) {
	ev := p.log.Debug()
	if resp.Status() != BatchSucceeded {
		ev = p.log.Warn()
	}
	ev.Int("messages", len(msgs)).
		Int("succeeded", len(resp.Succeeded)).
		Int("failed", len(resp.Failed)).
		Int("attempts", resp.Attempts).
		Stringer("status", resp.Status()).
		Msg("Published batch")

	if p.config.MessageBatchResponseLogger != nil {
		p.config.MessageBatchResponseLogger(resp, msgs)
	}
}
