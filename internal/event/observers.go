package event

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/statetree/statetree/internal/logging"
)

// Observers is an ordered, panic-safe observer list. Dispatch is
// synchronous and follows registration order; a panicking observer is
// recovered and logged so one misbehaving callback cannot block delivery
// to the rest of the list.
type Observers struct {
	mu      sync.Mutex
	entries []entry
	nextID  atomic.Uint64
}

type entry struct {
	id uint64
	fn Observer
}

// NewObservers creates an empty observer list.
func NewObservers() *Observers {
	return &Observers{}
}

// Subscribe registers an observer and returns a function that removes it.
// The returned unsubscribe function is idempotent.
func (o *Observers) Subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID.Add(1)
	o.entries = append(o.entries, entry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

// remove drops the entry with the given id, preserving order.
func (o *Observers) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, e := range o.entries {
		if e.id == id {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// Notify dispatches the change to every observer in registration order.
// The entry slice is snapshotted so observers may subscribe or unsubscribe
// during dispatch without affecting the current delivery.
func (o *Observers) Notify(c Change) {
	o.mu.Lock()
	snapshot := make([]entry, len(o.entries))
	copy(snapshot, o.entries)
	o.mu.Unlock()

	for _, e := range snapshot {
		safeCall(e.fn, c)
	}
}

// Len returns the number of registered observers.
func (o *Observers) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Clear removes all observers.
func (o *Observers) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
}

// safeCall invokes an observer and recovers from any panic. The recovered
// panic is logged with its stack so delivery continues to the remaining
// observers.
func safeCall(fn Observer, c Change) {
	var catcher panics.Catcher
	catcher.Try(func() { fn(c) })
	if r := catcher.Recovered(); r != nil {
		logging.Default().Error("observer panicked",
			"attr", c.Name,
			"kind", string(c.Kind),
			"panic", r.Value,
			"stack", string(r.Stack))
	}
}
