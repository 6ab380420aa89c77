package retry

import (
	"context"
	"time"

	"github.com/finbank/transaction-engine/internal/apperr"
)

// Policy bounds how hard the engine leans on a failing dependency before
// giving up and dead-lettering.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default matches the config defaults.
var Default = Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 30 * time.Second}

// Do runs fn, retrying transient failures with exponential backoff. The
// final attempt's error comes back unchanged. Permanent errors and context
// cancellation return immediately; validation and schema failures never
// deserve a second attempt.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !apperr.Transient(err) || attempt >= p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
