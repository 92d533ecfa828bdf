package batch

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

const DefaultDelay = 500 * time.Millisecond

// Sequencer hands items to a sink one at a time, strictly in order, pausing
// Delay between consecutive items.
type Sequencer struct {
	Delay time.Duration
}

// Deliver calls sink for indexes 0..n-1. A failing item does not stop the
// sequence; all sink errors are returned combined. Cancellation stops
// delivery and is returned alongside any earlier errors.
func (s Sequencer) Deliver(ctx context.Context, n int, sink func(ctx context.Context, index int) error) error {
	var errs error
	for i := 0; i < n; i++ {
		if i > 0 && s.Delay > 0 {
			timer := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return multierr.Append(errs, ctx.Err())
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, sink(ctx, i))
	}
	return errs
}
