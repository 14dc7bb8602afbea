package middleware

import (
	"context"
	"maps"
	"strconv"

	"github.com/miladsoleymani/eventbus/core"
)

// Attribute keys added to dead-lettered messages.
const (
	AttrDeadLetterReason       = "dead-letter-reason"
	AttrDeadLetterSubscription = "dead-letter-subscription"
	AttrDeadLetterAttempts     = "dead-letter-attempts"
)

// Sender sends one outbound message. core.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, dest core.Destination, msg core.OutboundMessage) (core.MessageResponse, error)
}

// DeadLetter forwards deliveries that failed on their maxAttempts-th attempt
// or later to dest and reports them as handled, so the source queue stops
// redelivering them. If forwarding fails the original failure is returned and
// the transport redelivers.
func DeadLetter(sender Sender, dest core.Destination, maxAttempts int) core.HandleMiddleware {
	return func(next core.HandleFunc) core.HandleFunc {
		return func(ctx context.Context, c *core.HandleContext) (bool, error) {
			ok, err := next(ctx, c)
			if (ok && err == nil) || c.Attempt < maxAttempts {
				return ok, err
			}

			reason := "handler reported failure"
			if err != nil {
				reason = err.Error()
			}
			attrs := maps.Clone(c.Envelope.Attributes())
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[AttrDeadLetterReason] = reason
			attrs[AttrDeadLetterSubscription] = c.Subscription
			attrs[AttrDeadLetterAttempts] = strconv.Itoa(c.Attempt)

			out := core.OutboundMessage{
				UniqueKey:  c.UniqueKey(),
				Body:       c.Envelope.Body(),
				Attributes: attrs,
			}
			if _, serr := sender.Send(ctx, dest, out); serr != nil {
				c.Log.Error().Err(serr).Str("dead_letter", dest.String()).Msg("Failed to dead-letter message")
				return ok, err
			}
			c.Log.Warn().Str("dead_letter", dest.String()).Str("reason", reason).Msg("Message dead-lettered")
			return true, nil
		}
	}
}
