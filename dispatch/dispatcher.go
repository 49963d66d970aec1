// Package dispatch suspends long-poll readers until their shape log
// grows past the position they have already seen.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shapelog"
)

// Outcome reports why a suspended wait returned.
type Outcome int

const (
	// OutcomeTimeout means the deadline elapsed with nothing new.
	OutcomeTimeout Outcome = iota
	// OutcomeReady means the shape head moved past the waiter's position.
	OutcomeReady
	// OutcomeInvalidated means the shape generation was discarded while waiting.
	OutcomeInvalidated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeInvalidated:
		return "invalidated"
	default:
		return "timeout"
	}
}

type waiter struct {
	from offset.Offset
	ch   chan Outcome
}

// Dispatcher manages suspended waiters per shape.
// Waiter lists are kept sorted by position so a head advance wakes
// exactly the satisfied prefix in O(log n + k).
type Dispatcher struct {
	mu      sync.Mutex
	shapes  map[string][]*waiter
	heads   map[string]offset.Offset
	waiting *xsync.Counter
}

var _ shapelog.Notifier = (*Dispatcher)(nil)

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		shapes:  make(map[string][]*waiter),
		heads:   make(map[string]offset.Offset),
		waiting: xsync.NewCounter(),
	}
}

// Wait blocks until the shape's head moves past from, the shape is
// invalidated, or ctx expires. A deadline expiry returns
// (OutcomeTimeout, nil); any other ctx error is returned alongside
// OutcomeTimeout so callers can tell a gone client from a quiet shape.
func (d *Dispatcher) Wait(ctx context.Context, shapeID string, from offset.Offset) (Outcome, error) {
	w := &waiter{from: from, ch: make(chan Outcome, 1)}

	d.mu.Lock()
	list := d.shapes[shapeID]
	i := sort.Search(len(list), func(i int) bool {
		return offset.Compare(list[i].from, from) >= 0
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = w
	d.shapes[shapeID] = list

	// Recheck only after registering. A head advance racing this call
	// either updated heads before we locked, or its notify will find
	// the waiter in the list. Either way the wakeup cannot be lost.
	if head, ok := d.heads[shapeID]; ok && head.After(from) {
		d.removeLocked(shapeID, w)
		d.mu.Unlock()
		return OutcomeReady, nil
	}
	d.waiting.Inc()
	d.mu.Unlock()

	select {
	case out := <-w.ch:
		return out, nil
	case <-ctx.Done():
		d.mu.Lock()
		removed := d.removeLocked(shapeID, w)
		d.mu.Unlock()
		if !removed {
			// A notifier claimed this waiter before we could withdraw;
			// its outcome is already buffered.
			return <-w.ch, nil
		}
		d.waiting.Dec()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return OutcomeTimeout, nil
		}
		return OutcomeTimeout, ctx.Err()
	}
}

// Notify records the shape's new head and wakes every waiter positioned
// below it. Store implementations call this once per appended batch.
func (d *Dispatcher) Notify(shapeID string, head offset.Offset) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.heads[shapeID]; !ok || head.After(prev) {
		d.heads[shapeID] = head
	}

	list := d.shapes[shapeID]
	if len(list) == 0 {
		return
	}

	i := sort.Search(len(list), func(i int) bool {
		return !list[i].from.Before(head)
	})
	for j := 0; j < i; j++ {
		list[j].ch <- OutcomeReady
		d.waiting.Dec()
	}
	if i == 0 {
		return
	}
	if rest := list[i:]; len(rest) == 0 {
		delete(d.shapes, shapeID)
	} else {
		d.shapes[shapeID] = rest
	}
}

// Invalidate wakes every waiter on the shape with OutcomeInvalidated
// and forgets the shape's head. The id is never reused, so no waiter
// can arrive for it with stale expectations afterwards.
func (d *Dispatcher) Invalidate(shapeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range d.shapes[shapeID] {
		w.ch <- OutcomeInvalidated
		d.waiting.Dec()
	}
	delete(d.shapes, shapeID)
	delete(d.heads, shapeID)
}

// WaiterFloor returns the lowest position any registered waiter holds
// for the shape. Compaction must not trim past it.
func (d *Dispatcher) WaiterFloor(shapeID string) (offset.Offset, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.shapes[shapeID]
	if len(list) == 0 {
		return offset.Offset{}, false
	}
	return list[0].from, true
}

// Len returns the number of suspended waiters across all shapes.
func (d *Dispatcher) Len() int {
	return int(d.waiting.Value())
}

func (d *Dispatcher) removeLocked(shapeID string, w *waiter) bool {
	list := d.shapes[shapeID]
	for j, cand := range list {
		if cand == w {
			list = append(list[:j], list[j+1:]...)
			if len(list) == 0 {
				delete(d.shapes, shapeID)
			} else {
				d.shapes[shapeID] = list
			}
			return true
		}
	}
	return false
}
