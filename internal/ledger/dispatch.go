package ledger

import (
	"context"
	"sync"
)

// dispatcher hands committed events to the Emitter from its own goroutine,
// in commit order. Enqueue never blocks, so a stalled subscriber cannot hold
// up ledger operations.
type dispatcher struct {
	emitter Emitter

	mu      sync.Mutex
	queue   []Event
	pending int
	running bool
	closed  bool
	waiters []chan struct{}
}

func newDispatcher(em Emitter) *dispatcher {
	return &dispatcher{emitter: em}
}

// enqueue reports false once the dispatcher has been closed.
func (d *dispatcher) enqueue(events []Event) bool {
	if len(events) == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, events...)
	d.pending += len(events)
	if !d.running {
		d.running = true
		go d.drain()
	}
	return true
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		if len(batch) == 0 {
			d.running = false
			for _, w := range d.waiters {
				close(w)
			}
			d.waiters = nil
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		for _, ev := range batch {
			d.emitter.Emit(ev)
		}

		d.mu.Lock()
		d.pending -= len(batch)
		d.mu.Unlock()
	}
}

// flush waits until every event enqueued so far has been emitted.
func (d *dispatcher) flush(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 && !d.running {
		d.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	d.waiters = append(d.waiters, wait)
	d.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.flush(ctx)
}

// Backlog returns the number of committed events not yet handed to the
// emitter.
func (e *Engine) Backlog() int {
	e.dispatch.mu.Lock()
	defer e.dispatch.mu.Unlock()
	return e.dispatch.pending
}

// Flush waits until every event committed so far has reached the emitter.
func (e *Engine) Flush(ctx context.Context) error {
	return e.dispatch.flush(ctx)
}

// Close stops accepting events and waits for the backlog to drain. Operations
// committed after Close are not emitted.
func (e *Engine) Close(ctx context.Context) error {
	return e.dispatch.close(ctx)
}
