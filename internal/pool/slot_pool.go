// Package pool provides the bounded job-slot pool a worker runs its
// claimed jobs in.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Pool errors.
var (
	// ErrPoolClosed means the pool no longer accepts work.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrNoSlot means every slot is busy right now.
	ErrNoSlot = errors.New("no free slot")
)

// Task is one unit of work occupying a slot.
type Task func(ctx context.Context)

// SlotPool bounds how many jobs a worker executes concurrently. The claim
// loop checks for a free slot before claiming, so the worker never holds
// a lease it has no capacity to serve.
type SlotPool struct {
	capacity int
	sem      chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	started   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64

	panicHandler func(any)
}

// NewSlotPool creates a pool with the given capacity; capacity below one
// is raised to one.
func NewSlotPool(capacity int, panicHandler func(any)) *SlotPool {
	if capacity < 1 {
		capacity = 1
	}
	return &SlotPool{
		capacity:     capacity,
		sem:          make(chan struct{}, capacity),
		panicHandler: panicHandler,
	}
}

// TryRun starts the task in its own goroutine if a slot is free; ErrNoSlot
// otherwise. The slot is released when the task returns.
func (p *SlotPool) TryRun(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return ErrNoSlot
	}
	p.spawn(ctx, task)
	return nil
}

// Run blocks until a slot frees up or the context ends, then starts the
// task.
func (p *SlotPool) Run(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.closed.Load() {
		<-p.sem
		return ErrPoolClosed
	}
	p.spawn(ctx, task)
	return nil
}

func (p *SlotPool) spawn(ctx context.Context, task Task) {
	p.started.Add(1)
	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				if p.panicHandler != nil {
					p.panicHandler(r)
				}
			}
			<-p.sem
			p.completed.Add(1)
			p.wg.Done()
		}()
		task(ctx)
	}()
}

// HasFreeSlot reports whether a claim attempt is worth making.
func (p *SlotPool) HasFreeSlot() bool {
	return !p.closed.Load() && len(p.sem) < p.capacity
}

// InFlight returns how many slots are busy.
func (p *SlotPool) InFlight() int { return len(p.sem) }

// Capacity returns the slot count.
func (p *SlotPool) Capacity() int { return p.capacity }

// Drain stops accepting work and waits for in-flight tasks, honoring the
// context deadline. Used by graceful worker shutdown.
func (p *SlotPool) Drain(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Capacity  int   `json:"capacity"`
	InFlight  int   `json:"in_flight"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// GetStats returns the snapshot.
func (p *SlotPool) GetStats() Stats {
	return Stats{
		Capacity:  p.capacity,
		InFlight:  p.InFlight(),
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
