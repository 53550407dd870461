// Package event defines the change-notification record and the observer
// list used across the statetree runtime. Every notification in the core --
// link propagation, slot replacement, tuple membership diffs, aggregator
// updates -- is delivered as the same Change payload.
package event

// Kind identifies the category of a change event.
type Kind string

const (
	// KindChange is an ordinary attribute value change.
	KindChange Kind = "change"
	// KindAdd is fired when an element joins a managed tuple.
	KindAdd Kind = "add"
	// KindRemove is fired when an element leaves a managed tuple.
	KindRemove Kind = "remove"
	// KindClose is fired exactly once when a node closes.
	KindClose Kind = "close"
)

// Change is the universal notification payload. Observers receive it
// synchronously, in registration order, on the goroutine that performed
// the mutation.
type Change struct {
	// Name is the attribute name (or tuple slot name) that changed.
	Name string
	// Old is the previous value. Nil for the first materialization.
	Old any
	// New is the value after the change.
	New any
	// Owner is the object whose attribute changed.
	Owner any
	// Kind categorizes the event. Defaults to KindChange.
	Kind Kind
}

// Observer is a function receiving change notifications.
type Observer func(Change)
