package node

import (
	"testing"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
	"github.com/statetree/statetree/internal/registry"
)

func TestSlotReplaceClosesAndReparents(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})
	c1 := newTestNode(t, nil, registry.Key{})
	c2 := newTestNode(t, nil, registry.Key{})

	slot, err := owner.DefineSlot("child", SlotOptions{
		CloseOnReplace: true,
		ParentOnSet:    true,
	})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}

	if err := slot.Set(c1); err != nil {
		t.Fatalf("first Set failed: %v", err)
	}
	if c1.Parent() != owner {
		t.Error("expected c1 to be parented to the owner")
	}

	if err := slot.Set(c2); err != nil {
		t.Fatalf("second Set failed: %v", err)
	}
	if !c1.Closed() {
		t.Error("expected replaced child to be closed")
	}
	if c2.Parent() != owner {
		t.Error("expected c2 to be parented to the owner")
	}

	if err := owner.Close(false); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !c2.Closed() {
		t.Error("expected slot value to close with its owner")
	}
}

func TestSlotRejectedReplacementRestoresOldHooks(t *testing.T) {
	grand := newTestNode(t, nil, registry.Key{})
	owner := newTestNode(t, nil, registry.Key{})
	child := newTestNode(t, nil, registry.Key{})

	if err := owner.SetParent(grand); err != nil {
		t.Fatalf("SetParent failed: %v", err)
	}

	slot, err := owner.DefineSlot("child", SlotOptions{ParentOnSet: true})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if err := slot.Set(child); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// grand is an ancestor of the owner, so parenting it to the owner is a
	// cycle and the replacement must roll back.
	if err := slot.Set(grand); err == nil {
		t.Fatal("expected the cyclic assignment to be rejected")
	}

	if v, _ := slot.Get(); v != child {
		t.Fatalf("slot holds %v, want the old value restored", v)
	}
	if child.Parent() != owner {
		t.Error("the restored value must be re-parented to the owner")
	}

	// The close observer must be back too: a self-closing child still
	// releases the slot.
	if err := child.Close(false); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if v, _ := slot.Get(); v != nil {
		t.Errorf("slot holds %v after the child closed itself, want nil", v)
	}
}

func TestSlotFactoryMaterializesLazily(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})

	built := 0
	slot, err := owner.DefineSlot("config", SlotOptions{
		Factory: func() (any, error) {
			built++
			return map[string]any{"level": "info"}, nil
		},
	})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if built != 0 {
		t.Fatal("factory must not run at definition")
	}

	v, err := slot.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["level"] != "info" {
		t.Errorf("unexpected default: %v", v)
	}
	if _, err := slot.Get(); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestSlotFactoryRecursionShortCircuits(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})

	var slot *Slot
	var nested any
	s, err := owner.DefineSlot("self", SlotOptions{
		Factory: func() (any, error) {
			// A circular default resolves to nil instead of recursing.
			nested, _ = slot.Get()
			return "resolved", nil
		},
	})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	slot = s

	v, err := slot.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "resolved" {
		t.Errorf("got %v, want resolved", v)
	}
	if nested != nil {
		t.Errorf("recursive resolution must short-circuit to nil, got %v", nested)
	}
}

func TestSlotNilPolicy(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})

	strict, err := owner.DefineSlot("strict", SlotOptions{})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	err = strict.Set(nil)
	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("expected ValidationError for nil, got %v", err)
	}

	loose, err := owner.DefineSlot("loose", SlotOptions{AllowNil: true})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if err := loose.Set("x"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := loose.Set(nil); err != nil {
		t.Fatalf("Set(nil) failed: %v", err)
	}
	if v, _ := loose.Get(); v != nil {
		t.Errorf("expected nil after release, got %v", v)
	}
}

func TestSlotFromMapConversion(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})
	home := newTestHome(t)

	slot, err := owner.DefineSlot("child", SlotOptions{
		Validate: func(v any) error {
			if _, ok := v.(*widget); !ok {
				return errors.ErrInvalidInput
			}
			return nil
		},
		FromMap: func(m map[string]any) (any, error) {
			label, _ := m["label"].(string)
			return newWidget(t, home, registry.Key{}, label), nil
		},
	})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}

	if err := slot.Set(map[string]any{"label": "built"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, _ := slot.Get()
	w, ok := v.(*widget)
	if !ok || w.label != "built" {
		t.Errorf("expected converted widget, got %v", v)
	}

	if err := slot.Set(42); err == nil {
		t.Error("expected a non-mapping invalid value to be rejected")
	}
}

func TestSlotSelfClosingValueReleases(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})
	child := newTestNode(t, nil, registry.Key{})

	slot, err := owner.DefineSlot("child", SlotOptions{AllowNil: true})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if err := slot.Set(child); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var changes []event.Change
	if _, err := owner.Observe("child", func(c event.Change) { changes = append(changes, c) }); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	if err := child.Close(false); err != nil {
		t.Fatalf("child Close failed: %v", err)
	}
	if v, _ := slot.Get(); v != nil {
		t.Errorf("expected slot to release its closed value, got %v", v)
	}
	if len(changes) != 1 || changes[0].New != nil {
		t.Errorf("expected one release notification, got %v", changes)
	}
}

func TestSlotTagApplied(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})
	child := newTestNode(t, nil, registry.Key{})

	slot, err := owner.DefineSlot("header", SlotOptions{Tag: "header"})
	if err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if err := slot.Set(child); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	tags, err := child.Get("tags")
	if err != nil {
		t.Fatalf("Get(tags) failed: %v", err)
	}
	list, _ := tags.([]any)
	if len(list) != 1 || list[0] != "header" {
		t.Errorf("tags = %v, want [header]", tags)
	}
}

func TestSlotAttrAccess(t *testing.T) {
	owner := newTestNode(t, nil, registry.Key{})
	child := newTestNode(t, nil, registry.Key{})

	if _, err := owner.DefineSlot("child", SlotOptions{}); err != nil {
		t.Fatalf("DefineSlot failed: %v", err)
	}
	if err := owner.Set("child", child); err != nil {
		t.Fatalf("Set through attr failed: %v", err)
	}
	v, err := owner.Get("child")
	if err != nil {
		t.Fatalf("Get through attr failed: %v", err)
	}
	if asNode(v) != child {
		t.Errorf("expected the slot value through the attr table, got %v", v)
	}
}
