package node

import (
	"testing"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/registry"
)

func newLinkedPair(t *testing.T) (owner, src, dst *Node) {
	t.Helper()
	home := newTestHome(t)
	owner = newTestNode(t, home, registry.Key{})
	src = newTestNode(t, home, registry.Key{})
	dst = newTestNode(t, home, registry.Key{})

	if err := src.DefineAttr("out", AttrOptions{Default: 1}); err != nil {
		t.Fatalf("DefineAttr failed: %v", err)
	}
	if err := dst.DefineAttr("in", AttrOptions{Default: 0}); err != nil {
		t.Fatalf("DefineAttr failed: %v", err)
	}
	return owner, src, dst
}

func TestLinkPushesOnConnect(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	if _, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{}); err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	if got, _ := dst.Get("in"); got != 1 {
		t.Errorf("dst.in = %v, want the source value pushed at connect", got)
	}

	if err := src.Set("out", 5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got != 5 {
		t.Errorf("dst.in = %v, want 5", got)
	}
}

func TestDlinkIsOneWay(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	if _, err := owner.DlinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{}); err != nil {
		t.Fatalf("DlinkKeyed failed: %v", err)
	}

	if err := dst.Set("in", 42); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := src.Get("out"); got != 1 {
		t.Errorf("src.out = %v, want 1: writing the destination must leave the source alone", got)
	}

	if err := src.Set("out", 5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got != 5 {
		t.Errorf("dst.in = %v, want 5", got)
	}
}

func TestLinkPropagatesBothWays(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	if _, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{}); err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	if err := src.Set("out", 3); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got != 3 {
		t.Errorf("dst.in = %v, want 3", got)
	}

	if err := dst.Set("in", 8); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := src.Get("out"); got != 8 {
		t.Errorf("src.out = %v, want 8", got)
	}
}

func TestLinkTransform(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	double := func(v any) any { return v.(int) * 2 }
	halve := func(v any) any { return v.(int) / 2 }

	if _, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{Forward: double, Inverse: halve}); err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	if err := src.Set("out", 4); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got != 8 {
		t.Errorf("dst.in = %v, want 8", got)
	}

	if err := dst.Set("in", 20); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := src.Get("out"); got != 10 {
		t.Errorf("src.out = %v, want 10", got)
	}
}

func TestLinkCloseDetaches(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	l, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	l.Close()
	l.Close() // idempotent

	if err := src.Set("out", 99); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got == 99 {
		t.Error("a closed link must not propagate")
	}
	if owner.LinkOf("wire") != nil {
		t.Error("closed link must leave the owner's table")
	}
}

func TestLinkSameKeyReplacesPrevious(t *testing.T) {
	owner, src, dst := newLinkedPair(t)
	if err := dst.DefineAttr("in2", AttrOptions{Default: 0}); err != nil {
		t.Fatalf("DefineAttr failed: %v", err)
	}

	first, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("first LinkKeyed failed: %v", err)
	}

	if _, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in2"},
		Transform{}); err != nil {
		t.Fatalf("second LinkKeyed failed: %v", err)
	}

	if !first.Closed() {
		t.Error("installing under an occupied key must close the previous link")
	}
	if err := src.Set("out", 6); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := dst.Get("in"); got == 6 {
		t.Error("the replaced link must be detached")
	}
	if got, _ := dst.Get("in2"); got != 6 {
		t.Errorf("dst.in2 = %v, want 6", got)
	}
}

func TestLinkSameTargetReplacesPrevious(t *testing.T) {
	owner, src, dst := newLinkedPair(t)
	other := newTestNode(t, owner.Home(), registry.Key{})
	if err := other.DefineAttr("out", AttrOptions{Default: 100}); err != nil {
		t.Fatalf("DefineAttr failed: %v", err)
	}

	first, err := owner.DlinkKeyed("a",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("first DlinkKeyed failed: %v", err)
	}

	if _, err := owner.DlinkKeyed("b",
		Target{Object: other, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{}); err != nil {
		t.Fatalf("second DlinkKeyed failed: %v", err)
	}

	if !first.Closed() {
		t.Error("a new link driving the same target must close the old one")
	}
	if got, _ := dst.Get("in"); got != 100 {
		t.Errorf("dst.in = %v, want the new driver's value", got)
	}
}

func TestLinkSameTargetChainReplaces(t *testing.T) {
	owner, src, dst := newLinkedPair(t)
	second := newTestNode(t, owner.Home(), registry.Key{})
	third := newTestNode(t, owner.Home(), registry.Key{})
	for _, n := range []*Node{second, third} {
		if err := n.DefineAttr("out", AttrOptions{Default: 0}); err != nil {
			t.Fatalf("DefineAttr failed: %v", err)
		}
	}

	a, err := owner.DlinkKeyed("a",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("first DlinkKeyed failed: %v", err)
	}
	b, err := owner.DlinkKeyed("b",
		Target{Object: second, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("second DlinkKeyed failed: %v", err)
	}
	if !a.Closed() {
		t.Fatal("the second link must close the first")
	}

	c, err := owner.DlinkKeyed("c",
		Target{Object: third, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("third DlinkKeyed failed: %v", err)
	}
	if !b.Closed() {
		t.Error("the third link must close the second: the occupancy entry survives a displaced link's close")
	}
	if c.Closed() {
		t.Error("the live occupant must stay open")
	}
}

func TestLinkVerificationReportsBrokenLink(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	// The destination rewrites every value, so the post-set read-back never
	// matches what the link wrote.
	if err := dst.DefineAttr("stubborn", AttrOptions{
		Coerce: func(any) (any, error) { return -1, nil },
	}); err != nil {
		t.Fatalf("DefineAttr failed: %v", err)
	}

	var reported []error
	owner.SetErrorHandler(func(err error, msg string, ctx map[string]any) {
		reported = append(reported, err)
	})

	if _, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "stubborn"},
		Transform{}); err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	found := false
	for _, err := range reported {
		var broken *errors.BrokenLinkError
		if errors.As(err, &broken) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a BrokenLinkError, got %v", reported)
	}
}

func TestOwnerCloseClosesLinks(t *testing.T) {
	owner, src, dst := newLinkedPair(t)

	l, err := owner.LinkKeyed("wire",
		Target{Object: src, Path: "out"},
		Target{Object: dst, Path: "in"},
		Transform{})
	if err != nil {
		t.Fatalf("LinkKeyed failed: %v", err)
	}

	if err := owner.Close(false); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !l.Closed() {
		t.Error("links must close with their owner")
	}
}
