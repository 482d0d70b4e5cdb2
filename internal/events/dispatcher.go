// Package events provides category-keyed listener dispatch and the
// unbounded FIFO queues that carry transcripts, tool output and
// events between producers and consumers. A nil *Dispatcher is safe
// to Emit on, so components do not need guard checks.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Payload is the data delivered to listeners.
type Payload map[string]any

// Listener handles one emitted payload. A returned error is collected
// by Emit; it does not stop delivery to other listeners.
type Listener func(ctx context.Context, p Payload) error

// ListenerID identifies a registration for Unregister. Listeners are
// funcs, which Go cannot compare, so removal goes by ID.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Dispatcher delivers payloads to the listeners registered for a
// category.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	nextID    ListenerID
}

// NewDispatcher creates a dispatcher with the given categories
// pre-created. Unknown categories are created on first Register.
func NewDispatcher(categories ...string) *Dispatcher {
	d := &Dispatcher{listeners: make(map[string][]registration)}
	for _, c := range categories {
		d.listeners[c] = nil
	}
	return d
}

// Register appends l to category and returns its ID. Registering the
// same func twice yields two deliveries per Emit.
func (d *Dispatcher) Register(category string, l Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[category] = append(d.listeners[category], registration{id: d.nextID, fn: l})
	return d.nextID
}

// Unregister removes the listener with id from category. Unknown
// categories and IDs are ignored.
func (d *Dispatcher) Unregister(category string, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs, ok := d.listeners[category]
	if !ok {
		return
	}
	for i, r := range regs {
		if r.id == id {
			// Copy so a concurrent Emit's snapshot is not mutated.
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			d.listeners[category] = append(next, regs[i+1:]...)
			return
		}
	}
}

// Count returns the number of listeners registered for category.
func (d *Dispatcher) Count(category string) int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[category])
}

// Categories returns every known category.
func (d *Dispatcher) Categories() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.listeners))
	for c := range d.listeners {
		out = append(out, c)
	}
	return out
}

// Emit runs every listener of category concurrently and waits for all
// of them. Errors and recovered panics are returned; nothing stops
// early. The listener set is snapshotted when Emit starts.
func (d *Dispatcher) Emit(ctx context.Context, category string, p Payload) []error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	regs := d.listeners[category]
	d.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	errs := make([]error, len(regs))
	var wg sync.WaitGroup
	for i, r := range regs {
		wg.Add(1)
		go func(i int, fn Listener) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = fmt.Errorf("listener panic on %s: %v\n%s", category, rec, debug.Stack())
				}
			}()
			errs[i] = fn(ctx, p)
		}(i, r.fn)
	}
	wg.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
