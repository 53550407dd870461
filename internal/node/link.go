package node

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
	"github.com/statetree/statetree/internal/registry"
)

// Target names one endpoint of a link: a root object plus a dotted
// attribute path resolved against it. The path follows the same rules as
// GetPath/SetPath, including terminal ".value" substitution.
type Target struct {
	Object any
	Path   string
}

func (t Target) String() string {
	root := "<nil>"
	if nd := asNode(t.Object); nd != nil {
		root = nd.describe()
	} else if t.Object != nil {
		root = fmt.Sprintf("%T", t.Object)
	}
	return root + "." + t.Path
}

// Transform converts values crossing a link. Forward maps source values to
// the destination; Inverse maps destination values back for bidirectional
// links. A nil function passes values through unchanged.
type Transform struct {
	Forward func(any) any
	Inverse func(any) any
}

func (tr Transform) forward(v any) any {
	if tr.Forward == nil {
		return v
	}
	return tr.Forward(v)
}

func (tr Transform) inverse(v any) any {
	if tr.Inverse == nil {
		return v
	}
	return tr.Inverse(v)
}

// Link propagates attribute changes from a source endpoint to a
// destination endpoint, optionally in both directions. Construction pushes
// the source's current value across before subscribing, so the endpoints
// agree from the first moment. After every propagation the destination is
// read back and compared by deep equality; a mismatch means something
// between the endpoints rewrote the value, and is reported through the
// owner's error hook as a BrokenLinkError.
type Link struct {
	owner *Node
	id    string
	key   string
	src   Target
	dst   Target
	tr    Transform
	bidi  bool

	// updating suppresses the echo a propagation causes on the opposite
	// endpoint's observer.
	updating atomic.Bool
	closed   atomic.Bool

	mu       sync.Mutex
	srcUnsub func()
	dstUnsub func()
}

// LinkKeyed installs a bidirectional link owned by this node. Changes on
// either endpoint propagate to the other, with Transform.Inverse applied
// on the destination-to-source direction. key scopes the link within the
// owner: installing another link under the same key closes the previous
// one first. The destination target is also registered by-target in the
// owner's home, so two different owners cannot both drive the same
// destination.
func (n *Node) LinkKeyed(key string, src, dst Target, tr Transform) (*Link, error) {
	return n.installLink(key, src, dst, tr, true)
}

// DlinkKeyed installs a one-way link owned by this node. Only source
// changes propagate; writes to the destination are left alone.
func (n *Node) DlinkKeyed(key string, src, dst Target, tr Transform) (*Link, error) {
	return n.installLink(key, src, dst, tr, false)
}

func (n *Node) installLink(key string, src, dst Target, tr Transform, bidi bool) (*Link, error) {
	if n.Closed() {
		return nil, errors.ErrClosed
	}
	if key == "" {
		return nil, errors.NewConfigurationError("link key must not be empty").
			WithComponent("link")
	}

	l := &Link{owner: n, id: registry.NewID(), key: key, src: src, dst: dst, tr: tr, bidi: bidi}
	if err := l.connect(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	prev := n.links[key]
	n.links[key] = l
	n.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	// By-target occupancy: a new link driving the same destination closes
	// the old one, whoever owns it.
	n.home.InstallLink(l.targetKey(), l.id, l.Close)
	return l, nil
}

// Key returns the owner-scoped link key.
func (l *Link) Key() string { return l.key }

// Bidirectional reports whether the link propagates both ways.
func (l *Link) Bidirectional() bool { return l.bidi }

// targetKey canonicalizes the destination endpoint for the by-target
// registry.
func (l *Link) targetKey() string {
	if nd := asNode(l.dst.Object); nd != nil {
		return nd.ID() + "." + l.dst.Path
	}
	return fmt.Sprintf("%p.%s", l.dst.Object, l.dst.Path)
}

// connect performs the initial push and installs the endpoint observers.
func (l *Link) connect() error {
	srcNode, srcAttr, err := resolveEndpoint(l.src.Object, l.src.Path)
	if err != nil {
		return errors.Wrapf(err, "link source %s", l.src)
	}
	dstNode, dstAttr, err := resolveEndpoint(l.dst.Object, l.dst.Path)
	if err != nil {
		return errors.Wrapf(err, "link destination %s", l.dst)
	}

	if err := l.push(srcNode, srcAttr, dstNode, dstAttr, l.tr.forward, l.src, l.dst); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	srcUnsub, err := srcNode.Observe(srcAttr, func(c event.Change) {
		l.propagate(l.src, l.dst, l.tr.forward)
	})
	if err != nil {
		return err
	}
	l.srcUnsub = srcUnsub

	if l.bidi {
		dstUnsub, err := dstNode.Observe(dstAttr, func(c event.Change) {
			l.propagate(l.dst, l.src, l.tr.inverse)
		})
		if err != nil {
			l.srcUnsub()
			l.srcUnsub = nil
			return err
		}
		l.dstUnsub = dstUnsub
	}
	return nil
}

// propagate is the observer path: re-resolve both endpoints (the graph may
// have changed shape since connect) and push, swallowing the echo on the
// opposite observer.
func (l *Link) propagate(from, to Target, transform func(any) any) {
	if l.closed.Load() {
		return
	}
	if !l.updating.CompareAndSwap(false, true) {
		return
	}
	defer l.updating.Store(false)

	fromNode, fromAttr, err := resolveEndpoint(from.Object, from.Path)
	if err != nil {
		l.owner.OnError(err, "link endpoint vanished", map[string]any{"link": l.key, "endpoint": from.String()})
		return
	}
	toNode, toAttr, err := resolveEndpoint(to.Object, to.Path)
	if err != nil {
		l.owner.OnError(err, "link endpoint vanished", map[string]any{"link": l.key, "endpoint": to.String()})
		return
	}
	if err := l.push(fromNode, fromAttr, toNode, toAttr, transform, from, to); err != nil {
		l.owner.OnError(err, "link propagation failed", map[string]any{"link": l.key})
	}
}

// push copies one value across and verifies the write landed. The
// read-back compares by deep equality: coercion on the destination may
// legitimately normalize the value, but a destination that disagrees with
// what was written means a competing writer or a rejecting validator, and
// the link is no longer maintaining its invariant.
func (l *Link) push(fromNode *Node, fromAttr string, toNode *Node, toAttr string, transform func(any) any, from, to Target) error {
	v, err := fromNode.Get(fromAttr)
	if err != nil {
		return err
	}
	v = transform(v)

	if err := toNode.Set(toAttr, v); err != nil {
		return err
	}

	got, err := toNode.Get(toAttr)
	if err != nil {
		return err
	}
	if !DeepEqual(got, v) {
		berr := errors.NewBrokenLinkError(from.String(), to.String(), v, got)
		l.owner.OnError(berr, "link verification failed", map[string]any{"link": l.key})
		return nil
	}
	return nil
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool { return l.closed.Load() }

// Close detaches both endpoint observers and releases the by-target
// registration. Idempotent.
func (l *Link) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	srcUnsub := l.srcUnsub
	dstUnsub := l.dstUnsub
	l.srcUnsub = nil
	l.dstUnsub = nil
	l.mu.Unlock()

	if srcUnsub != nil {
		srcUnsub()
	}
	if dstUnsub != nil {
		dstUnsub()
	}

	l.owner.home.ReleaseLink(l.targetKey(), l.id)

	l.owner.mu.Lock()
	if l.owner.links[l.key] == l {
		delete(l.owner.links, l.key)
	}
	l.owner.mu.Unlock()
}

// LinkOf returns the live link installed under key, or nil.
func (n *Node) LinkOf(key string) *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[key]
}
