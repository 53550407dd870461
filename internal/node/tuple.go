package node

import (
	"sync"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
)

// TupleOptions configure DefineTuple.
type TupleOptions struct {
	// Validate checks candidate elements. Nil accepts any non-nil value.
	Validate func(any) error
	// Factory builds a new element from a mapping input that matched no
	// existing element. Without a factory such inputs are a configuration
	// error.
	Factory func(map[string]any) (any, error)
	// UpdateKey is the dotted attribute path used to match mapping inputs
	// against existing elements for in-place merging.
	UpdateKey string
	// ByIndex switches matching to positional semantics: a mapping at
	// input position i merges into the existing element at i; only
	// elements at or after that index are eligible.
	ByIndex bool
	// ParentOnAdd parents added node elements to the owner.
	ParentOnAdd bool
	// OnAdd fires once for every element entering the tuple.
	OnAdd func(any)
	// OnRemove fires once for every element leaving the tuple.
	OnRemove func(any)
}

// TupleSlot is a managed, ordered, identity-deduplicated collection of
// owned children attached to one node attribute.
type TupleSlot struct {
	owner         *Node
	name          string
	opts          TupleOptions
	closeOnRemove bool

	mu     sync.Mutex
	values []any
	// per-element teardown: close observer plus the update-key name
	// tracking observer.
	unsubs map[*Node][]func()
}

// DefineTuple declares a managed tuple attribute. closeOnRemove is an
// explicit decision, not a default: it controls whether elements leaving
// the tuple (and elements released when the owner closes) are closed.
func (n *Node) DefineTuple(name string, closeOnRemove bool, opts TupleOptions) (*TupleSlot, error) {
	if _, err := n.defineDescriptorAttr(name); err != nil {
		return nil, err
	}

	t := &TupleSlot{
		owner:         n,
		name:          name,
		opts:          opts,
		closeOnRemove: closeOnRemove,
		unsubs:        make(map[*Node][]func()),
	}

	n.mu.Lock()
	n.tuples[name] = t
	n.mu.Unlock()
	return t, nil
}

// Name returns the tuple's attribute name.
func (t *TupleSlot) Name() string { return t.name }

// Values returns a snapshot of the current members in order.
func (t *TupleSlot) Values() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.values))
	copy(out, t.values)
	return out
}

// Len returns the member count.
func (t *TupleSlot) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.values)
}

// Set replaces the tuple's membership. Each incoming element is kept if it
// validates, merged into an existing element if it is a mapping matching
// the update key (or index), or built by the factory. Nil-validating,
// closed, and identity-duplicate elements are dropped. The old/new
// membership diff then fires OnRemove and OnAdd exactly once per departed
// and arrived element, and observers see a single change event covering
// the whole step.
func (t *TupleSlot) Set(values []any) error {
	if t.owner.Closed() {
		return errors.ErrClosed
	}

	t.mu.Lock()
	old := make([]any, len(t.values))
	copy(old, t.values)
	t.mu.Unlock()

	next := make([]any, 0, len(values))
	consumed := make(map[int]bool)

	for i, v := range values {
		if v == nil {
			continue
		}

		elem, err := t.resolveElement(v, i, old, consumed)
		if err != nil {
			return err
		}
		if elem == nil {
			continue
		}
		if c, ok := elem.(interface{ Closed() bool }); ok && c.Closed() {
			continue
		}

		dup := false
		for _, seen := range next {
			if identical(seen, elem) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		next = append(next, elem)
	}

	t.commit(old, next)
	return nil
}

// resolveElement turns one raw input into a member: a validating value is
// kept as-is, a mapping merges into a matching existing element or goes
// through the factory.
func (t *TupleSlot) resolveElement(v any, pos int, old []any, consumed map[int]bool) (any, error) {
	if t.validate(v) == nil {
		if m, ok := v.(map[string]any); ok {
			// A mapping that happens to validate is still treated as an
			// update payload when matching is configured.
			if elem, ok := t.matchExisting(m, pos, old, consumed); ok {
				t.mergeInto(elem, m)
				return elem, nil
			}
		}
		return v, nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.NewValidationError("value rejected by tuple slot").
			WithAttr(t.name).WithValue(v).WithCause(t.validate(v))
	}

	if elem, ok := t.matchExisting(m, pos, old, consumed); ok {
		t.mergeInto(elem, m)
		return elem, nil
	}

	if t.opts.Factory == nil {
		return nil, errors.NewConfigurationError("mapping input matched no element").
			WithComponent(t.name).WithMissing("factory")
	}
	elem, err := t.opts.Factory(m)
	if err != nil {
		return nil, errors.Wrapf(err, "tuple %q factory", t.name)
	}
	if elem == nil {
		return nil, nil
	}
	if err := t.validate(elem); err != nil {
		return nil, errors.NewValidationError("factory result rejected by tuple slot").
			WithAttr(t.name).WithValue(elem).WithCause(err)
	}
	return elem, nil
}

func (t *TupleSlot) validate(v any) error {
	if t.opts.Validate == nil {
		if v == nil {
			return errors.ErrInvalidInput
		}
		if _, ok := v.(map[string]any); ok {
			return errors.ErrInvalidInput
		}
		return nil
	}
	return t.opts.Validate(v)
}

// matchExisting finds the existing element a mapping input updates. In
// ByIndex mode only elements at or after the input's position are
// eligible, preserving left-to-right positional semantics for partial
// updates. In update-key mode the mapping's value at the key path must
// deep-equal the element's.
func (t *TupleSlot) matchExisting(m map[string]any, pos int, old []any, consumed map[int]bool) (any, bool) {
	if t.opts.ByIndex {
		for i := pos; i < len(old); i++ {
			if !consumed[i] {
				consumed[i] = true
				return old[i], true
			}
		}
		return nil, false
	}

	if t.opts.UpdateKey == "" {
		return nil, false
	}
	want, ok := lookupMapPath(m, t.opts.UpdateKey)
	if !ok {
		return nil, false
	}
	for i, elem := range old {
		if consumed[i] {
			continue
		}
		got, err := GetPath(elem, t.opts.UpdateKey)
		if err != nil {
			continue
		}
		if DeepEqual(got, want) {
			consumed[i] = true
			return elem, true
		}
	}
	return nil, false
}

// mergeInto applies a mapping to an existing element in place. Per-key
// failures are reported through the owner's error hook without aborting
// the rest of the merge.
func (t *TupleSlot) mergeInto(elem any, m map[string]any) {
	for k, v := range m {
		if err := SetPath(elem, k, v); err != nil {
			t.owner.OnError(err, "tuple element merge failed",
				map[string]any{"attr": t.name, "key": k})
		}
	}
}

// commit installs the new membership, diffs it against the old one by
// identity, and runs the add/remove hooks. Observers of the tuple
// attribute see only the completed state: one change event for the whole
// step.
func (t *TupleSlot) commit(old, next []any) {
	removed := diffMissing(old, next)
	added := diffMissing(next, old)
	if len(removed) == 0 && len(added) == 0 && sameOrder(old, next) {
		return
	}

	t.mu.Lock()
	t.values = next
	t.mu.Unlock()

	for _, elem := range removed {
		t.teardownElement(elem)
		if t.opts.OnRemove != nil {
			t.opts.OnRemove(elem)
		}
	}
	for _, elem := range added {
		t.setupElement(elem)
		if t.opts.OnAdd != nil {
			t.opts.OnAdd(elem)
		}
	}

	t.owner.notifyAttr(t.name, old, next, event.KindChange)
}

// teardownElement detaches the observers installed for an element and
// closes it when the tuple owns closure.
func (t *TupleSlot) teardownElement(elem any) {
	nd := asNode(elem)
	if nd != nil {
		t.mu.Lock()
		unsubs := t.unsubs[nd]
		delete(t.unsubs, nd)
		t.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		if !nd.Closed() && t.opts.ParentOnAdd {
			_ = nd.SetParent(nil)
		}
	}

	if t.closeOnRemove {
		if c, ok := elem.(Closer); ok {
			if err := c.Close(false); err != nil {
				t.owner.OnError(err, "tuple close-on-remove failed",
					map[string]any{"attr": t.name})
			}
		}
	}
}

// setupElement installs parent linkage, the auto-prune close observer, and
// the update-key name tracking observer for a new element.
func (t *TupleSlot) setupElement(elem any) {
	nd := asNode(elem)
	if nd == nil {
		return
	}

	if t.opts.ParentOnAdd {
		if err := nd.SetParent(t.owner); err != nil {
			t.owner.OnError(err, "tuple parent-on-add failed",
				map[string]any{"attr": t.name})
		}
	}

	var unsubs []func()
	unsubs = append(unsubs, nd.ObserveClose(func(event.Change) {
		t.prune(nd)
	}))

	if t.opts.UpdateKey != "" && !t.opts.ByIndex && nd.HasAttr(t.opts.UpdateKey) {
		if unsub, err := nd.Observe(t.opts.UpdateKey, func(c event.Change) {
			// Renaming an element re-keys future updates; surface it as a
			// tuple-level change so aggregators re-serialize.
			t.owner.notifyAttr(t.name, nil, t.Values(), event.KindChange)
		}); err == nil {
			unsubs = append(unsubs, unsub)
		}
	}

	t.mu.Lock()
	t.unsubs[nd] = unsubs
	t.mu.Unlock()
}

// prune drops an element that closed itself.
func (t *TupleSlot) prune(nd *Node) {
	t.mu.Lock()
	old := make([]any, len(t.values))
	copy(old, t.values)
	next := make([]any, 0, len(t.values))
	for _, elem := range t.values {
		if asNode(elem) == nd {
			continue
		}
		next = append(next, elem)
	}
	if len(next) == len(old) {
		t.mu.Unlock()
		return
	}
	t.values = next
	unsubs := t.unsubs[nd]
	delete(t.unsubs, nd)
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if t.opts.OnRemove != nil {
		t.opts.OnRemove(nd.Self())
	}
	t.owner.notifyAttr(t.name, old, next, event.KindChange)
}

// release is the owner-close path: detach all element observers and close
// members ordinarily when the tuple owns closure.
func (t *TupleSlot) release() {
	t.mu.Lock()
	values := t.values
	t.values = nil
	unsubs := t.unsubs
	t.unsubs = make(map[*Node][]func())
	t.mu.Unlock()

	for _, list := range unsubs {
		for _, unsub := range list {
			unsub()
		}
	}
	if !t.closeOnRemove {
		return
	}
	for _, elem := range values {
		if c, ok := elem.(Closer); ok {
			if err := c.Close(false); err != nil {
				t.owner.OnError(err, "tuple cascade close failed",
					map[string]any{"attr": t.name})
			}
		}
	}
}

// diffMissing returns the elements of a absent (by identity) from b,
// preserving a's order.
func diffMissing(a, b []any) []any {
	var out []any
	for _, x := range a {
		found := false
		for _, y := range b {
			if identical(x, y) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

func sameOrder(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !identical(a[i], b[i]) {
			return false
		}
	}
	return true
}

// lookupMapPath reads a dotted path out of a nested mapping.
func lookupMapPath(m map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	var cur any = m
	for _, seg := range segs {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
