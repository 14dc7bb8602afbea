// Package mock provides scriptable test doubles for the bus's transport
// contract.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miladsoleymani/eventbus/core"
)

// ErrTransient is a retryable failure used by scripted sends.
var ErrTransient = errors.New("mock: transient failure")

// SentMessage records a message passed to Send or SendBatch.
type SentMessage struct {
	Destination core.Destination
	Message     core.OutboundMessage
	At          time.Time
}

// Transport is a test double for core.Transport and core.Provisioner.
//
// Send fails with the next entry of SendErrs until they are used up.
// SendBatch fails with the next entry of BatchErrs as a whole-call error, and
// fails individual entries whose unique key is in FailKeys, decrementing the
// count on each failure. Batch entries report their position as Index.
type Transport struct {
	mu sync.Mutex

	SendErrs     []error
	BatchErrs    []error
	FailKeys     map[string]int
	FailCode     string
	NonRetryable map[string]bool
	ReceiveErrs  []error
	ProvisionErr error
	BindErr      error

	// IdleWait is how long Receive blocks when nothing is queued.
	IdleWait time.Duration

	sent       []SentMessage
	sendCalls  int
	batchCalls int
	batchSizes []int
	queues     map[string][]core.Envelope
	ensured    []core.Destination
	bound      [][2]core.Destination
	closed     bool
	notify     chan struct{}
}

// NewTransport creates an empty Transport.
func NewTransport() *Transport {
	return &Transport{
		FailKeys:     make(map[string]int),
		NonRetryable: make(map[string]bool),
		IdleWait:     10 * time.Millisecond,
		queues:       make(map[string][]core.Envelope),
		notify:       make(chan struct{}, 1),
	}
}

func (t *Transport) Send(_ context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.MessageResponse{}, core.ErrBrokerClosed
	}
	t.sendCalls++
	if len(t.SendErrs) > 0 {
		err := t.SendErrs[0]
		t.SendErrs = t.SendErrs[1:]
		if err != nil {
			return core.MessageResponse{}, err
		}
	}
	t.sent = append(t.sent, SentMessage{Destination: dest, Message: msg, At: time.Now()})
	return core.MessageResponse{MessageID: fmt.Sprintf("mock-%d", len(t.sent))}, nil
}

func (t *Transport) SendBatch(_ context.Context, dest core.Destination, msgs []core.OutboundMessage) (core.MessageBatchResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.MessageBatchResponse{}, core.ErrBrokerClosed
	}
	t.batchCalls++
	t.batchSizes = append(t.batchSizes, len(msgs))
	if len(t.BatchErrs) > 0 {
		err := t.BatchErrs[0]
		t.BatchErrs = t.BatchErrs[1:]
		if err != nil {
			return core.MessageBatchResponse{}, err
		}
	}

	var resp core.MessageBatchResponse
	for i, m := range msgs {
		if n := t.FailKeys[m.UniqueKey]; n > 0 {
			t.FailKeys[m.UniqueKey] = n - 1
			resp.Failed = append(resp.Failed, core.BatchEntryFailure{
				Index:     i,
				UniqueKey: m.UniqueKey,
				Code:      t.FailCode,
				Retryable: !t.NonRetryable[m.UniqueKey],
				Err:       ErrTransient,
			})
			continue
		}
		t.sent = append(t.sent, SentMessage{Destination: dest, Message: m, At: time.Now()})
		resp.Succeeded = append(resp.Succeeded, core.BatchEntrySuccess{
			Index:     i,
			UniqueKey: m.UniqueKey,
			MessageID: fmt.Sprintf("mock-%d", len(t.sent)),
		})
	}
	return resp, nil
}

// Push queues envelopes for delivery from queue.
func (t *Transport) Push(queue string, envs ...core.Envelope) {
	t.mu.Lock()
	t.queues[queue] = append(t.queues[queue], envs...)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Transport) Receive(ctx context.Context, queue core.Destination, maxBatch int) ([]core.Envelope, error) {
	if envs, ok, err := t.take(queue.Name, maxBatch); ok {
		return envs, err
	}

	timer := time.NewTimer(t.IdleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.notify:
	case <-timer.C:
	}
	envs, _, err := t.take(queue.Name, maxBatch)
	return envs, err
}

func (t *Transport) take(queue string, maxBatch int) ([]core.Envelope, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, true, core.ErrBrokerClosed
	}
	if len(t.ReceiveErrs) > 0 {
		err := t.ReceiveErrs[0]
		t.ReceiveErrs = t.ReceiveErrs[1:]
		return nil, true, err
	}
	q := t.queues[queue]
	if len(q) == 0 {
		return nil, false, nil
	}
	n := min(maxBatch, len(q))
	out := make([]core.Envelope, n)
	copy(out, q[:n])
	t.queues[queue] = q[n:]
	return out, true, nil
}

func (t *Transport) EnsureDestination(_ context.Context, dest core.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ProvisionErr != nil {
		return t.ProvisionErr
	}
	t.ensured = append(t.ensured, dest)
	return nil
}

func (t *Transport) BindQueue(_ context.Context, topic, queue core.Destination) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.BindErr != nil {
		return t.BindErr
	}
	t.bound = append(t.bound, [2]core.Destination{topic, queue})
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Sent returns every delivered message in send order.
func (t *Transport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// SendCalls returns the number of Send calls, including failed ones.
func (t *Transport) SendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCalls
}

// BatchSizes returns the entry count of every SendBatch call.
func (t *Transport) BatchSizes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.batchSizes))
	copy(out, t.batchSizes)
	return out
}

// Ensured returns the destinations passed to EnsureDestination.
func (t *Transport) Ensured() []core.Destination {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Destination, len(t.ensured))
	copy(out, t.ensured)
	return out
}

// Bound returns the (topic, queue) pairs passed to BindQueue.
func (t *Transport) Bound() [][2]core.Destination {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][2]core.Destination, len(t.bound))
	copy(out, t.bound)
	return out
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
