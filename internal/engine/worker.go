package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolStats is a snapshot of worker pool counters.
type PoolStats struct {
	Capacity  int   `json:"capacity"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a task is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is one step attempt run on the pool.
type Task func(ctx context.Context) error

// WorkerPool caps how many steps run at once across every run sharing an
// executor. Submit blocks for a slot; the task itself runs on its own
// goroutine.
type WorkerPool struct {
	size    int
	slots   *semaphore.Weighted
	onPanic func(any)

	// closing is cancelled by Shutdown and aborts pending Submits.
	closing context.Context
	close   context.CancelFunc

	// gate orders wg.Add against Shutdown's Wait.
	gate    sync.RWMutex
	running sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool returns a pool of size slots. onPanic, when non-nil, receives
// the value of every recovered task panic.
func NewWorkerPool(size int, onPanic func(any)) *WorkerPool {
	size = max(size, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		size:    size,
		slots:   semaphore.NewWeighted(int64(size)),
		onPanic: onPanic,
		closing: ctx,
		close:   cancel,
	}
}

// Submit waits for a free slot, then starts task. It returns ctx's error if
// ctx ends first and ErrPoolShutdown once Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closing.Err() != nil {
		return ErrPoolShutdown
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if p.closing.Err() != nil && ctx.Err() == nil {
			return ErrPoolShutdown
		}
		return ctx.Err()
	}

	p.gate.RLock()
	if p.closing.Err() != nil {
		p.gate.RUnlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.gate.RUnlock()

	p.active.Add(1)
	go p.run(ctx, task)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, task Task) {
	defer p.running.Done()
	defer p.slots.Release(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()

	if err := task(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every started task has returned.
func (p *WorkerPool) Wait() { p.running.Wait() }

// Shutdown rejects new work, aborts blocked Submits and waits for running
// tasks. Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.gate.Lock()
	p.close()
	p.gate.Unlock()
	p.running.Wait()
}

func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Capacity:  p.size,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

// PanicError carries the value recovered from a panicking step.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step panicked: %v", e.Value)
}
