package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// BackoffFunc returns the wait after the given number of failed attempts
// (1 for the wait before the second attempt). base is PublishFailureBackoff.
type BackoffFunc func(base time.Duration, failures int) time.Duration

// LinearBackoff waits base * failures.
func LinearBackoff(base time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	return base * time.Duration(failures)
}

// ExponentialBackoff waits base * 2^(failures-1), capped at maxDelay when
// maxDelay is positive.
func ExponentialBackoff(maxDelay time.Duration) BackoffFunc {
	return func(base time.Duration, failures int) time.Duration {
		if failures < 1 {
			failures = 1
		}
		d := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
		if d < 0 || (maxDelay > 0 && d > maxDelay) {
			d = maxDelay
		}
		return d
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryPublish retries retryable single-publish failures within the
// configured attempt budget.
func retryPublish(cfg PublishConfig) PublishMiddleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, pc *PublishContext) (MessageResponse, error) {
			maxAttempts := cfg.maxAttempts()
			for attempt := 1; ; attempt++ {
				pc.Attempt = attempt
				resp, err := next(ctx, pc)
				resp.Attempts = attempt
				if err == nil {
					return resp, nil
				}
				if !IsRetryable(err) {
					return resp, err
				}
				if attempt >= maxAttempts {
					return resp, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
				}
				if werr := sleep(ctx, cfg.wait(attempt)); werr != nil {
					return resp, fmt.Errorf("eventbus: publish canceled after %d attempts: %w", attempt, errors.Join(werr, err))
				}
			}
		}
	}
}

// retryBatch resubmits the retryable failed entries of a batch as a smaller
// batch until they succeed or the attempt budget is spent. Entries that
// succeeded are never resent. Entries are tracked by position, so the
// aggregate's Index values refer to the batch the middleware was given.
func retryBatch(cfg PublishConfig) BatchMiddleware {
	return func(next BatchFunc) BatchFunc {
		return func(ctx context.Context, bc *BatchContext) (MessageBatchResponse, error) {
			agg := MessageBatchResponse{Destination: bc.Destination}
			maxAttempts := cfg.maxAttempts()
			orig := bc.Entries
			defer func() { bc.Entries = orig }()

			pending := make([]int, len(orig))
			for i := range orig {
				pending[i] = i
			}

			for attempt := 1; ; attempt++ {
				bc.Attempt = attempt
				bc.Entries = pick(orig, pending)

				resp, err := next(ctx, bc)
				agg.Attempts++
				if err != nil {
					resp = MessageBatchResponse{Failed: failEntries(bc.Entries, bc.Destination, err)}
				}

				settled := make(map[int]struct{}, len(pending))
				for _, s := range resp.Succeeded {
					if s.Index < 0 || s.Index >= len(pending) {
						continue
					}
					if _, dup := settled[s.Index]; dup {
						continue
					}
					settled[s.Index] = struct{}{}
					s.Index = pending[s.Index]
					agg.Succeeded = append(agg.Succeeded, s)
				}

				var retry []BatchEntryFailure
				for _, f := range resp.Failed {
					if f.Index < 0 || f.Index >= len(pending) {
						continue
					}
					if _, dup := settled[f.Index]; dup {
						continue
					}
					settled[f.Index] = struct{}{}
					f.Index = pending[f.Index]
					if f.Retryable && attempt < maxAttempts {
						retry = append(retry, f)
						continue
					}
					agg.Failed = append(agg.Failed, f)
				}
				for k, pos := range pending {
					if _, ok := settled[k]; ok {
						continue
					}
					agg.Failed = append(agg.Failed, BatchEntryFailure{
						Index:       pos,
						UniqueKey:   orig[pos].UniqueKey,
						Destination: bc.Destination,
						Err:         errEntryUnreported,
					})
				}
				if len(retry) == 0 {
					return agg, nil
				}

				if werr := sleep(ctx, cfg.wait(attempt)); werr != nil {
					for _, f := range retry {
						f.Retryable = false
						f.Err = errors.Join(werr, f.Err)
						agg.Failed = append(agg.Failed, f)
					}
					return agg, fmt.Errorf("eventbus: batch publish canceled after %d attempts: %w", attempt, werr)
				}
				pending = pending[:0:0]
				for _, f := range retry {
					pending = append(pending, f.Index)
				}
			}
		}
	}
}

var errEntryUnreported = errors.New("eventbus: transport reported no result for batch entry")

// failEntries reports every entry as failed with err.
func failEntries(entries []OutboundMessage, dest Destination, err error) []BatchEntryFailure {
	failed := make([]BatchEntryFailure, 0, len(entries))
	retryable := IsRetryable(err)
	for i, e := range entries {
		failed = append(failed, BatchEntryFailure{
			Index:       i,
			UniqueKey:   e.UniqueKey,
			Destination: dest,
			Retryable:   retryable,
			Err:         err,
		})
	}
	return failed
}

// pick returns the entries at the given positions.
func pick(entries []OutboundMessage, positions []int) []OutboundMessage {
	out := make([]OutboundMessage, len(positions))
	for k, pos := range positions {
		out[k] = entries[pos]
	}
	return out
}
