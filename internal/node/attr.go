package node

import (
	"time"

	"github.com/spf13/cast"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
)

// attr is one entry of a node's dynamic attribute table. Plain attributes
// store their value here; slot and tuple attributes keep storage in their
// descriptor and use the entry only for coercion and observers.
type attr struct {
	name      string
	value     any
	coerce    func(any) (any, error)
	observers *event.Observers
}

// AttrOptions configure DefineAttr.
type AttrOptions struct {
	// Default is the initial value. With CoerceKind set it also fixes the
	// attribute's primitive kind.
	Default any
	// Coerce validates and converts incoming values. Returning an error
	// rejects the assignment with a ValidationError.
	Coerce func(any) (any, error)
	// CoerceKind derives a coercer from Default's primitive kind using
	// cast (int, int64, float64, bool, string, time.Duration). Loads from
	// YAML/JSON then land as the declared kind instead of the decoder's.
	CoerceKind bool
}

// DefineAttr declares a plain attribute. Redefining an existing name is a
// configuration error.
func (n *Node) DefineAttr(name string, opts AttrOptions) error {
	if name == "" {
		return errors.NewConfigurationError("attribute name must not be empty").
			WithComponent("attr")
	}

	coerce := opts.Coerce
	if coerce == nil && opts.CoerceKind {
		coerce = kindCoercer(opts.Default)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.attrs[name]; exists {
		return errors.NewConfigurationError("attribute already defined").
			WithComponent("attr").WithMissing(name)
	}
	n.attrs[name] = &attr{
		name:      name,
		value:     opts.Default,
		coerce:    coerce,
		observers: event.NewObservers(),
	}
	n.order = append(n.order, name)
	return nil
}

// HasAttr reports whether the named attribute (plain, slot, or tuple) is
// defined.
func (n *Node) HasAttr(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.attrs[name]
	return ok
}

// AttrNames returns the attribute names in declaration order.
func (n *Node) AttrNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

// Get returns the attribute's current value. Slot attributes materialize
// their default lazily on first read; tuple attributes return a snapshot
// of their members.
func (n *Node) Get(name string) (any, error) {
	n.mu.Lock()
	a, ok := n.attrs[name]
	if !ok {
		n.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrAttrNotFound, "get %q", name)
	}
	slot := n.slots[name]
	tuple := n.tuples[name]
	value := a.value
	n.mu.Unlock()

	if slot != nil {
		return slot.Get()
	}
	if tuple != nil {
		return tuple.Values(), nil
	}
	return value, nil
}

// Set assigns the attribute. Slot and tuple attributes run their full hook
// pipelines; plain attributes coerce, compare by deep equality, and notify
// observers only on an actual change.
func (n *Node) Set(name string, v any) error {
	if n.Closed() {
		return errors.ErrClosed
	}

	n.mu.Lock()
	a, ok := n.attrs[name]
	if !ok {
		n.mu.Unlock()
		return errors.Wrapf(errors.ErrAttrNotFound, "set %q", name)
	}
	slot := n.slots[name]
	tuple := n.tuples[name]
	n.mu.Unlock()

	if slot != nil {
		return slot.Set(v)
	}
	if tuple != nil {
		values, err := toSlice(v)
		if err != nil {
			return errors.NewValidationError("tuple slot expects a sequence").
				WithAttr(name).WithValue(v).WithCause(err)
		}
		return tuple.Set(values)
	}

	if a.coerce != nil {
		coerced, err := a.coerce(v)
		if err != nil {
			return errors.NewValidationError("coercion failed").
				WithAttr(name).WithValue(v).WithCause(err)
		}
		v = coerced
	}

	n.mu.Lock()
	old := a.value
	if DeepEqual(old, v) {
		n.mu.Unlock()
		return nil
	}
	a.value = v
	n.mu.Unlock()

	a.observers.Notify(event.Change{
		Name:  name,
		Old:   old,
		New:   v,
		Owner: n.Self(),
		Kind:  event.KindChange,
	})
	return nil
}

// Observe subscribes to changes of the named attribute. Dispatch is
// synchronous and registration-ordered, on the goroutine performing the
// mutation.
func (n *Node) Observe(name string, fn event.Observer) (func(), error) {
	n.mu.Lock()
	a, ok := n.attrs[name]
	n.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrAttrNotFound, "observe %q", name)
	}
	return a.observers.Subscribe(fn), nil
}

// notifyAttr lets slot and tuple descriptors fire their attribute's
// observers after running their pipelines.
func (n *Node) notifyAttr(name string, old, new any, kind event.Kind) {
	n.mu.Lock()
	a, ok := n.attrs[name]
	n.mu.Unlock()
	if !ok {
		return
	}
	if kind == "" {
		kind = event.KindChange
	}
	a.observers.Notify(event.Change{
		Name:  name,
		Old:   old,
		New:   new,
		Owner: n.Self(),
		Kind:  kind,
	})
}

// defineDescriptorAttr registers the attr table entry backing a slot or
// tuple descriptor.
func (n *Node) defineDescriptorAttr(name string) (*attr, error) {
	if name == "" {
		return nil, errors.NewConfigurationError("slot name must not be empty").
			WithComponent("slot")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.attrs[name]; exists {
		return nil, errors.NewConfigurationError("attribute already defined").
			WithComponent("slot").WithMissing(name)
	}
	a := &attr{name: name, observers: event.NewObservers()}
	n.attrs[name] = a
	n.order = append(n.order, name)
	return a, nil
}

// kindCoercer derives a cast-backed coercer from the default value's
// primitive kind.
func kindCoercer(def any) func(any) (any, error) {
	switch def.(type) {
	case int:
		return func(v any) (any, error) { return cast.ToIntE(v) }
	case int64:
		return func(v any) (any, error) { return cast.ToInt64E(v) }
	case float64:
		return func(v any) (any, error) { return cast.ToFloat64E(v) }
	case bool:
		return func(v any) (any, error) { return cast.ToBoolE(v) }
	case string:
		return func(v any) (any, error) { return cast.ToStringE(v) }
	case time.Duration:
		return func(v any) (any, error) { return cast.ToDurationE(v) }
	default:
		return nil
	}
}

// toSlice normalizes tuple assignment input.
func toSlice(v any) ([]any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return vv, nil
	case []map[string]any:
		out := make([]any, len(vv))
		for i, m := range vv {
			out[i] = m
		}
		return out, nil
	default:
		return nil, errors.ErrInvalidInput
	}
}
