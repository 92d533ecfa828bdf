package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestRunKeepsInputOrderAndPartialSuccess(t *testing.T) {
	inputs := []int{5, 1, 4, 2, 3, 0}

	items := Run(context.Background(), inputs, 3, func(_ context.Context, _ int, in int) (string, error) {
		time.Sleep(time.Duration(in) * time.Millisecond)
		if in == 4 {
			return "", errors.New("cannot decode")
		}
		return fmt.Sprintf("out-%d", in), nil
	})

	require.Len(t, items, len(inputs))
	for i, item := range items {
		assert.Equal(t, i, item.Index)
		if inputs[i] == 4 {
			assert.Error(t, item.Err)
			continue
		}
		require.NoError(t, item.Err)
		assert.Equal(t, fmt.Sprintf("out-%d", inputs[i]), item.Value)
	}
	assert.Equal(t, 1, Failed(items))
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32

	Run(context.Background(), make([]struct{}, 20), 2, func(context.Context, int, struct{}) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return 0, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	items := Run(ctx, []int{1, 2, 3}, 0, func(context.Context, int, int) (int, error) {
		calls.Add(1)
		return 0, nil
	})

	assert.Zero(t, calls.Load())
	assert.Equal(t, 3, Failed(items))
	for _, item := range items {
		assert.ErrorIs(t, item.Err, context.Canceled)
	}
}

func TestSequencerDeliversInOrderWithDelay(t *testing.T) {
	var order []int
	var stamps []time.Time

	s := Sequencer{Delay: 20 * time.Millisecond}
	err := s.Deliver(context.Background(), 3, func(_ context.Context, i int) error {
		order = append(order, i)
		stamps = append(stamps, time.Now())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, order)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 20*time.Millisecond)
	}
}

func TestSequencerContinuesPastFailures(t *testing.T) {
	first := errors.New("first")
	third := errors.New("third")

	var delivered []int
	err := Sequencer{}.Deliver(context.Background(), 4, func(_ context.Context, i int) error {
		delivered = append(delivered, i)
		switch i {
		case 0:
			return first
		case 2:
			return third
		}
		return nil
	})

	assert.Equal(t, []int{0, 1, 2, 3}, delivered)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, third)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestSequencerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var delivered []int
	err := Sequencer{Delay: time.Hour}.Deliver(ctx, 3, func(_ context.Context, i int) error {
		delivered = append(delivered, i)
		cancel()
		return nil
	})

	assert.Equal(t, []int{0}, delivered)
	assert.ErrorIs(t, err, context.Canceled)
}
