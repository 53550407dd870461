package node

import (
	"sync"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
)

// HookKind identifies one step of a slot's replacement pipeline. Hooks are
// a fixed ordered list of tagged descriptors; dispatch walks the list, not
// a name-keyed table.
type HookKind int

const (
	// HookDetachOld clears the outgoing value's parent back-link and drops
	// the slot's close observer on it.
	HookDetachOld HookKind = iota
	// HookCloseOld closes the outgoing value (close-on-replace policy).
	HookCloseOld
	// HookSetParent parents the incoming value to the slot's owner.
	HookSetParent
	// HookApplyTag appends the hook's Tag to the incoming value's "tags"
	// attribute.
	HookApplyTag
	// HookObserveClose subscribes to the incoming value's close event so a
	// child that closes itself releases the slot automatically.
	HookObserveClose
	// HookNotify fires the slot attribute's change observers.
	HookNotify
)

// Hook is one tagged step of the pipeline.
type Hook struct {
	Kind HookKind
	Tag  string
}

// SlotOptions configure DefineSlot.
type SlotOptions struct {
	// Validate checks candidate values. Nil accepts anything non-nil.
	Validate func(any) error
	// Factory builds the default value on first read. Nil slots without a
	// factory read as nil.
	Factory func() (any, error)
	// FromMap converts a mapping input into a slot value. Without it,
	// mapping inputs must pass Validate directly.
	FromMap func(map[string]any) (any, error)
	// AllowNil permits assigning nil (releasing the child).
	AllowNil bool
	// LoadDefault materializes the default eagerly at definition instead
	// of on first read.
	LoadDefault bool
	// CloseOnReplace closes the outgoing value when it is replaced.
	CloseOnReplace bool
	// ParentOnSet parents incoming node values to the owner.
	ParentOnSet bool
	// Tag, when non-empty, is appended to incoming node values' "tags"
	// attribute (the CSS-class analogue).
	Tag string
}

// Slot is a managed, lazily materialized, owned child attached to one node
// attribute.
type Slot struct {
	owner *Node
	name  string
	opts  SlotOptions

	pipeline []Hook

	mu           sync.Mutex
	value        any
	materialized bool
	resolving    bool
	closeUnsub   func()
}

// DefineSlot declares a managed slot attribute on the node.
func (n *Node) DefineSlot(name string, opts SlotOptions) (*Slot, error) {
	if _, err := n.defineDescriptorAttr(name); err != nil {
		return nil, err
	}

	s := &Slot{
		owner:    n,
		name:     name,
		opts:     opts,
		pipeline: buildPipeline(opts),
	}

	n.mu.Lock()
	n.slots[name] = s
	n.mu.Unlock()

	if opts.LoadDefault {
		if _, err := s.Get(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// buildPipeline assembles the fixed ordered hook list for a slot's
// configuration.
func buildPipeline(opts SlotOptions) []Hook {
	pipeline := []Hook{{Kind: HookDetachOld}}
	if opts.CloseOnReplace {
		pipeline = append(pipeline, Hook{Kind: HookCloseOld})
	}
	if opts.ParentOnSet {
		pipeline = append(pipeline, Hook{Kind: HookSetParent})
	}
	if opts.Tag != "" {
		pipeline = append(pipeline, Hook{Kind: HookApplyTag, Tag: opts.Tag})
	}
	pipeline = append(pipeline, Hook{Kind: HookObserveClose}, Hook{Kind: HookNotify})
	return pipeline
}

// Configure mutates nullability and eagerness, builder-style, when
// declaring the slot. Eagerness takes effect on the next read.
func (s *Slot) Configure(allowNil, loadDefault bool) *Slot {
	s.mu.Lock()
	s.opts.AllowNil = allowNil
	s.opts.LoadDefault = loadDefault
	s.mu.Unlock()
	return s
}

// Name returns the slot's attribute name.
func (s *Slot) Name() string { return s.name }

// Get returns the realized value, materializing the default on first read.
// While the default is being produced, recursive default resolution for
// the same slot short-circuits to nil, so circular factory graphs cannot
// recurse forever. A factory error is reported through the owner's OnError
// and returned to the caller.
func (s *Slot) Get() (any, error) {
	if s.owner.Closed() {
		return nil, nil
	}

	s.mu.Lock()
	if s.materialized {
		v := s.value
		s.mu.Unlock()
		return v, nil
	}
	if s.opts.Factory == nil {
		s.mu.Unlock()
		return nil, nil
	}
	if s.resolving {
		s.mu.Unlock()
		return nil, nil
	}
	s.resolving = true
	s.mu.Unlock()

	v, err := s.opts.Factory()

	s.mu.Lock()
	s.resolving = false
	s.mu.Unlock()

	if err != nil {
		s.owner.OnError(err, "slot default factory failed",
			map[string]any{"attr": s.name})
		return nil, err
	}
	if err := s.apply(v); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

// Set assigns the slot. Mapping inputs are converted through FromMap when
// the raw mapping fails validation. The hook pipeline runs exactly once,
// and only when the incoming value differs from the current one by deep
// equality.
func (s *Slot) Set(v any) error {
	if s.owner.Closed() {
		return errors.ErrClosed
	}

	if v == nil {
		s.mu.Lock()
		allowNil := s.opts.AllowNil
		s.mu.Unlock()
		if !allowNil {
			return errors.NewValidationError("slot does not allow nil").
				WithAttr(s.name)
		}
		return s.apply(nil)
	}

	if err := s.validate(v); err != nil {
		m, ok := v.(map[string]any)
		if !ok || s.opts.FromMap == nil {
			return errors.NewValidationError("value rejected by slot").
				WithAttr(s.name).WithValue(v).WithCause(err)
		}
		converted, convErr := s.opts.FromMap(m)
		if convErr != nil {
			return errors.NewValidationError("mapping conversion failed").
				WithAttr(s.name).WithValue(v).WithCause(convErr)
		}
		v = converted
		if err := s.validate(v); err != nil {
			return errors.NewValidationError("converted value rejected by slot").
				WithAttr(s.name).WithValue(v).WithCause(err)
		}
	}

	return s.apply(v)
}

func (s *Slot) validate(v any) error {
	if s.opts.Validate == nil {
		return nil
	}
	return s.opts.Validate(v)
}

// apply replaces the slot value through the hook pipeline. The old value's
// owning hooks are torn down before the new value's hooks are installed.
func (s *Slot) apply(v any) error {
	s.mu.Lock()
	old := s.value
	oldMaterialized := s.materialized
	if oldMaterialized && DeepEqual(old, v) {
		s.mu.Unlock()
		return nil
	}
	oldUnsub := s.closeUnsub
	s.closeUnsub = nil
	s.value = v
	s.materialized = true
	s.mu.Unlock()

	for _, h := range s.pipeline {
		switch h.Kind {
		case HookDetachOld:
			if oldUnsub != nil {
				oldUnsub()
			}
			if nd := asNode(old); nd != nil && !nd.Closed() {
				if err := nd.SetParent(nil); err != nil {
					s.owner.OnError(err, "slot detach failed",
						map[string]any{"attr": s.name})
				}
			}

		case HookCloseOld:
			if c, ok := old.(Closer); ok && old != nil {
				if err := c.Close(false); err != nil {
					s.owner.OnError(err, "slot close-on-replace failed",
						map[string]any{"attr": s.name})
				}
			}

		case HookSetParent:
			if nd := asNode(v); nd != nil {
				if err := nd.SetParent(s.owner); err != nil {
					s.restore(old, oldMaterialized)
					return err
				}
			}

		case HookApplyTag:
			applyTag(v, h.Tag)

		case HookObserveClose:
			if nd := asNode(v); nd != nil {
				unsub := nd.ObserveClose(func(event.Change) {
					s.onValueClosed(nd)
				})
				s.mu.Lock()
				s.closeUnsub = unsub
				s.mu.Unlock()
			}

		case HookNotify:
			s.owner.notifyAttr(s.name, old, v, event.KindChange)
		}
	}
	return nil
}

// restore undoes a failed replacement. HookDetachOld already cleared the
// old value's parent and close observer, so putting the value back means
// putting its owner hooks back too. An old value closed by
// close-on-replace cannot come back; the slot empties instead.
func (s *Slot) restore(old any, oldMaterialized bool) {
	nd := asNode(old)
	if nd != nil && nd.Closed() {
		old = nil
		oldMaterialized = false
		nd = nil
	}

	var unsub func()
	if nd != nil {
		if s.opts.ParentOnSet {
			if err := nd.SetParent(s.owner); err != nil {
				s.owner.OnError(err, "slot restore failed",
					map[string]any{"attr": s.name})
			}
		}
		unsub = nd.ObserveClose(func(event.Change) {
			s.onValueClosed(nd)
		})
	}

	s.mu.Lock()
	s.value = old
	s.materialized = oldMaterialized
	s.closeUnsub = unsub
	s.mu.Unlock()
}

// applyTag appends tag to a node value's "tags" attribute, defining it on
// demand.
func applyTag(v any, tag string) {
	nd := asNode(v)
	if nd == nil {
		return
	}
	if !nd.HasAttr("tags") {
		_ = nd.DefineAttr("tags", AttrOptions{Default: []any{}})
	}
	cur, err := nd.Get("tags")
	if err != nil {
		return
	}
	tags, _ := cur.([]any)
	for _, t := range tags {
		if t == tag {
			return
		}
	}
	next := make([]any, 0, len(tags)+1)
	next = append(next, tags...)
	next = append(next, tag)
	_ = nd.Set("tags", next)
}

// onValueClosed releases the slot when its child closes itself.
func (s *Slot) onValueClosed(nd *Node) {
	s.mu.Lock()
	if asNode(s.value) != nd {
		s.mu.Unlock()
		return
	}
	old := s.value
	s.value = nil
	s.closeUnsub = nil
	s.mu.Unlock()

	s.owner.notifyAttr(s.name, old, nil, event.KindChange)
}

// release is the owner-close path: detach the observer, close the realized
// value unless it maintains itself keep-alive, and drop the reference.
// Children always close ordinarily, so a keep-alive child survives even a
// forced close of its owner.
func (s *Slot) release() {
	s.mu.Lock()
	v := s.value
	unsub := s.closeUnsub
	s.value = nil
	s.materialized = false
	s.closeUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if c, ok := v.(Closer); ok && v != nil {
		if err := c.Close(false); err != nil {
			s.owner.OnError(err, "slot cascade close failed",
				map[string]any{"attr": s.name})
		}
	}
}
