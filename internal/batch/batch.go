// Package batch fans independent images out to a bounded worker pool and
// delivers finished items in order.
package batch

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// Item is the outcome for one input. Failures are per item; a failed item
// never prevents the others from completing.
type Item[T any] struct {
	Index int
	Value T
	Err   error
}

// Run calls fn for every input using at most workers goroutines and returns
// the outcomes in input order. workers <= 0 uses GOMAXPROCS. Inputs not yet
// started when ctx is cancelled report ctx.Err().
func Run[In, Out any](ctx context.Context, inputs []In, workers int, fn func(ctx context.Context, index int, in In) (Out, error)) []Item[Out] {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	items := make([]Item[Out], len(inputs))
	p := pool.New().WithMaxGoroutines(workers)
	for i, in := range inputs {
		p.Go(func() {
			items[i].Index = i
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return
			}
			items[i].Value, items[i].Err = fn(ctx, i, in)
		})
	}
	p.Wait()

	return items
}

// Failed counts items that carry an error.
func Failed[T any](items []Item[T]) int {
	n := 0
	for _, item := range items {
		if item.Err != nil {
			n++
		}
	}
	return n
}
