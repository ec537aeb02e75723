// Package pool runs units of work on a bounded number of concurrent workers
// and emits their results in submission order, whatever order they finish in.
package pool

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Item is one unit of work tagged with its submission number (starting at 1).
type Item[T any] struct {
	Seq   uint64
	Value T
}

// Result is the output of the unit submitted as Seq.
type Result[R any] struct {
	Seq   uint64
	Value R
}

// Source yields the next unit of work. ok is false once input is exhausted.
type Source[T any] func(ctx context.Context) (v T, ok bool, err error)

// Func executes one unit. It must honour ctx cancellation.
type Func[T, R any] func(ctx context.Context, item Item[T]) (R, error)

// Emit receives results strictly in submission order, from a single goroutine.
type Emit[R any] func(Result[R]) error

var ErrInvalidCapacity = errors.New("pool capacity must be at least 1")

type outcome[R any] struct {
	seq   uint64
	value R
	err   error
}

// Run drains src through work with at most capacity units in flight.
//
// The first failing unit (error or panic) stops admission and cancels the
// context passed to the remaining units. Results emitted before the failure
// stay emitted; nothing is emitted afterwards. Run returns once every
// started unit has finished.
func Run[T, R any](ctx context.Context, capacity int, src Source[T], work Func[T, R], emit Emit[R]) error {
	if capacity < 1 {
		return ErrInvalidCapacity
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// buffered to capacity so a finishing unit never blocks
	done := make(chan outcome[R], capacity)

	var (
		submitted uint64
		nextEmit  uint64 = 1
		active    int
		exhausted bool
		stopped   bool
		firstErr  error
		pending   = make(map[uint64]R)
	)

	for {
		for !stopped && !exhausted && active < capacity {
			if gctx.Err() != nil {
				stopped = true
				break
			}
			v, ok, err := src(gctx)
			if err != nil {
				firstErr = fmt.Errorf("failed to read next item: %w", err)
				stopped = true
				cancel()
				break
			}
			if !ok {
				exhausted = true
				break
			}
			submitted++
			active++
			item := Item[T]{Seq: submitted, Value: v}
			g.Go(func() error {
				r, err := call(gctx, work, item)
				done <- outcome[R]{seq: item.Seq, value: r, err: err}
				return err
			})
		}

		if active == 0 {
			break
		}

		o := <-done
		active--
		if o.err != nil {
			stopped = true
			continue
		}
		if stopped {
			continue
		}

		pending[o.seq] = o.value
		for {
			v, ok := pending[nextEmit]
			if !ok {
				break
			}
			delete(pending, nextEmit)
			if err := emit(Result[R]{Seq: nextEmit, Value: v}); err != nil {
				firstErr = fmt.Errorf("failed to emit result %d: %w", nextEmit, err)
				stopped = true
				cancel()
				break
			}
			nextEmit++
		}
	}

	// errgroup keeps the first unit error
	werr := g.Wait()
	if firstErr != nil {
		return firstErr
	}
	if werr != nil {
		return werr
	}
	return ctx.Err()
}

func call[T, R any](ctx context.Context, work Func[T, R], item Item[T]) (r R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unit %d panicked: %v", item.Seq, p)
		}
	}()
	return work(ctx, item)
}

// SliceSource yields the elements of items in order.
func SliceSource[T any](items []T) Source[T] {
	i := 0
	return func(ctx context.Context) (T, bool, error) {
		var zero T
		if i >= len(items) {
			return zero, false, nil
		}
		v := items[i]
		i++
		return v, true, nil
	}
}

// Collect runs the pool over items and returns the results in order.
func Collect[T, R any](ctx context.Context, capacity int, items []T, work Func[T, R]) ([]R, error) {
	out := make([]R, 0, len(items))
	err := Run(ctx, capacity, SliceSource(items), work, func(r Result[R]) error {
		out = append(out, r.Value)
		return nil
	})
	return out, err
}
