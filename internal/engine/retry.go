package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// RetryPolicy bounds how often a chunk is attempted and how long to wait
// between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay before the given retry (1 for the first retry):
// BaseDelay doubled per retry and capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// AttemptFunc performs one fetch of a chunk. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// Do drives a chunk through Pending -> InFlight -> Retrying(n) -> Done/Failed.
// Retryable errors are attempted up to MaxAttempts times in total; fatal
// errors and exhaustion return a *ChunkError. Cancellation returns the
// context error with the chunk left un-Done.
func (p RetryPolicy) Do(ctx context.Context, chunk *Chunk, log zerolog.Logger, fn AttemptFunc) error {
	p = p.withDefaults()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk.Status = InFlight
		chunk.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		chunk.LastError = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) || attempt >= p.MaxAttempts {
			chunk.Status = Failed
			return &ChunkError{Index: chunk.Index, Start: chunk.Start, End: chunk.End, Attempts: attempt, Err: err}
		}
		chunk.Status = Retrying
		delay := p.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Int("maxAttempts", p.MaxAttempts).Dur("backoff", delay).Msg("Chunk attempt failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
