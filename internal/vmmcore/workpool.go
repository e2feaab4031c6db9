package vmmcore

import (
	"context"
	"sync"
)

// defaultWorkers is the fixed size of a Context's work pool (spec.md
// §4.5): enough to keep a handful of in-flight device reads outstanding
// without letting an unbounded number of goroutines pile up behind a slow
// device.
const defaultWorkers = 32

// WorkFunc is one unit of work submitted to the pool. It receives the
// context the pool was asked to run under, so a long-running unit can
// observe cancellation the same way processWithTimeout does in the
// teacher's concurrency manager.
type WorkFunc func(ctx context.Context) error

// WorkPool is a fixed-size pool of goroutines draining a single work
// queue, the Go-native reading of spec.md's "fixed 32-thread pool with
// per-thread wake events" — here a buffered channel stands in for the
// wake event and the worker goroutines stand in for the thread handles.
type WorkPool struct {
	queue chan workItem
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

type workItem struct {
	fn   WorkFunc
	done chan error
}

// NewWorkPool starts defaultWorkers goroutines consuming from a queue of
// the given depth.
func NewWorkPool(queueDepth int) *WorkPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkPool{
		queue:  make(chan workItem, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < defaultWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			item.done <- item.fn(p.ctx)
		}
	}
}

// Submit enqueues fn and blocks until either it completes or ctx is
// cancelled. It returns the unit's own error, or ctx.Err() if the caller
// gave up waiting first.
func (p *WorkPool) Submit(ctx context.Context, fn WorkFunc) error {
	if p.ctx.Err() != nil {
		return errPoolClosed
	}
	done := make(chan error, 1)
	item := workItem{fn: fn, done: done}
	select {
	case p.queue <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errPoolClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight units to finish.
func (p *WorkPool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// ForEachPID fans out fn across pids using the pool, one submission per
// PID, and returns the first error encountered (if any) after every call
// has completed — the per-process analog of concurrency.go's
// ParallelIterator.ForEach, scoped to spec.md §4.5's "parallel per-process
// fan-out helper".
func ForEachPID(ctx context.Context, p *WorkPool, pids []uint32, fn func(ctx context.Context, pid uint32) error) error {
	if len(pids) == 0 {
		return nil
	}
	errs := make([]error, len(pids))
	var wg sync.WaitGroup
	wg.Add(len(pids))
	for i, pid := range pids {
		i, pid := i, pid
		go func() {
			defer wg.Done()
			errs[i] = p.Submit(ctx, func(ctx context.Context) error {
				return fn(ctx, pid)
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
