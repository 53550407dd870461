package node

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/statetree/statetree/internal/config"
	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
	"github.com/statetree/statetree/internal/logging"
	"github.com/statetree/statetree/internal/registry"
	"github.com/statetree/statetree/internal/scheduler"
)

// Noder is implemented by anything embedding a Node. It is the contract
// slots, tuples, links, and the aggregator use to reach the lifecycle core
// of a child value.
type Noder interface {
	AsNode() *Node
}

// Closer is a resource with cascading close semantics. Close is idempotent;
// force overrides keep-alive.
type Closer interface {
	Close(force bool) error
}

// ErrorHandler receives errors surfaced through OnError.
type ErrorHandler func(err error, msg string, ctx map[string]any)

// Spec configures Node initialization. The zero value uses the default
// home, the default scheduler, the default logger, and no identity.
type Spec struct {
	// Home is the singleton registry namespace. Nil means the process
	// default.
	Home *registry.Home
	// Key is the identity key. Zero means no identity: the node never
	// registers and is never returned by singleton lookups.
	Key registry.Key
	// KeepAlive makes ordinary close requests no-ops; only Close(true)
	// closes the node.
	KeepAlive bool
	// Scheduler runs the node's tasks. Nil means the process default.
	Scheduler *scheduler.Scheduler
	// Logger receives the node's error reports. Nil means the process
	// default.
	Logger *logging.Logger
}

// Node is the base lifecycle unit. See the package documentation for the
// embedding pattern.
type Node struct {
	id    string
	key   registry.Key
	home  *registry.Home
	sched *scheduler.Scheduler
	log   *logging.Logger

	closed  atomic.Bool
	closing atomic.Bool

	mu          sync.Mutex
	self        any
	keepAlive   bool
	parent      *Node
	parentUnsub func()
	attrs       map[string]*attr
	order       []string
	slots       map[string]*Slot
	tuples      map[string]*TupleSlot
	links       map[string]*Link
	closeObs    *event.Observers
	errHandler  ErrorHandler
}

// Init prepares an embedded Node. self must be the outermost value (the
// struct embedding the Node) so notifications and registries carry the
// subclass. Init is required before any other method and must be called
// exactly once.
func (n *Node) Init(self any, spec Spec) *Node {
	if spec.Home == nil {
		spec.Home = registry.DefaultHome()
	}
	if spec.Scheduler == nil {
		spec.Scheduler = scheduler.Default()
	}
	if spec.Logger == nil {
		spec.Logger = logging.Default()
	}

	n.id = registry.NewID()
	n.key = spec.Key
	n.home = spec.Home
	n.sched = spec.Scheduler
	n.log = spec.Logger.WithNode(n.id)
	n.self = self
	n.keepAlive = spec.KeepAlive
	n.attrs = make(map[string]*attr)
	n.slots = make(map[string]*Slot)
	n.tuples = make(map[string]*TupleSlot)
	n.links = make(map[string]*Link)
	n.closeObs = event.NewObservers()
	return n
}

// Singleton resolves identity-keyed construction: when a live member of
// home carries an equal key, that member is returned and build is never
// called. Otherwise build runs, and its result is registered under key.
// build must Init its node with the same home and key.
func Singleton[T Noder](home *registry.Home, key registry.Key, build func() T) (T, error) {
	var zero T
	if home == nil {
		home = registry.DefaultHome()
	}

	if m, ok := home.Lookup(key); ok {
		if t, ok := memberAs[T](m); ok {
			return t, nil
		}
		return zero, errors.NewConfigurationError("identity key held by a different type").
			WithComponent("registry").
			WithCause(fmt.Errorf("key %s resolves to %T", key, m))
	}

	t := build()
	if err := home.Register(key, t.AsNode()); err != nil {
		// Lost a construction race: prefer the registered member.
		if m, ok := home.Lookup(key); ok {
			if existing, ok := memberAs[T](m); ok {
				_ = t.AsNode().Close(true)
				return existing, nil
			}
		}
		return zero, err
	}
	return t, nil
}

// memberAs resolves a registered member to the outermost value recorded at
// Init. The registry holds the inner Node; identity lookups must hand back
// the embedding type.
func memberAs[T Noder](m registry.Member) (T, bool) {
	v := any(m)
	if nd, ok := m.(Noder); ok {
		v = nd.AsNode().Self()
	}
	t, ok := v.(T)
	return t, ok
}

// AsNode returns the lifecycle core. It makes every embedding type satisfy
// Noder by promotion.
func (n *Node) AsNode() *Node { return n }

// Self returns the outermost value recorded by Init.
func (n *Node) Self() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.self != nil {
		return n.self
	}
	return n
}

// ID returns the node's ULID instance id.
func (n *Node) ID() string { return n.id }

// IdentityKey returns the node's registry key (zero when anonymous).
func (n *Node) IdentityKey() registry.Key { return n.key }

// Home returns the node's registry namespace.
func (n *Node) Home() *registry.Home { return n.home }

// Logger returns the node's logger.
func (n *Node) Logger() *logging.Logger { return n.log }

// Closed reports whether the node has closed. Monotonic: once true it
// stays true.
func (n *Node) Closed() bool { return n.closed.Load() }

// KeepAlive reports whether ordinary close requests are ignored.
func (n *Node) KeepAlive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.keepAlive
}

// SetKeepAlive toggles the keep-alive flag.
func (n *Node) SetKeepAlive(keep bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keepAlive = keep
}

// -----------------------------------------------------------------------------
// Parent linkage
// -----------------------------------------------------------------------------

// Parent returns the non-owning parent back-link, or nil.
func (n *Node) Parent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// SetParent installs p as the node's parent. The candidate's own parent
// chain is walked first: if n appears in it the assignment is rejected
// with a CycleError and nothing is mutated. Setting a parent subscribes to
// its close event so n closes when the parent closes. A nil p detaches.
func (n *Node) SetParent(p *Node) error {
	if n.Closed() {
		return errors.ErrClosed
	}

	if p != nil {
		if p == n {
			return errors.NewCycleError(n.describe(), p.describe())
		}
		for anc := p.Parent(); anc != nil; anc = anc.Parent() {
			if anc == n {
				return errors.NewCycleError(n.describe(), p.describe())
			}
		}
		if p.Closed() {
			return errors.Wrap(errors.ErrClosed, "cannot parent to a closed node")
		}
	}

	n.mu.Lock()
	if n.parentUnsub != nil {
		n.parentUnsub()
		n.parentUnsub = nil
	}
	n.parent = p
	n.mu.Unlock()

	if p != nil {
		unsub := p.ObserveClose(func(event.Change) {
			_ = n.Close(false)
		})
		n.mu.Lock()
		n.parentUnsub = unsub
		n.mu.Unlock()
	}
	return nil
}

func (n *Node) describe() string {
	if !n.key.IsZero() {
		return n.key.String()
	}
	return n.id
}

// ObserveClose subscribes to the node's close event. The returned function
// unsubscribes and is idempotent.
func (n *Node) ObserveClose(fn event.Observer) func() {
	return n.closeObs.Subscribe(fn)
}

// -----------------------------------------------------------------------------
// Close cascade
// -----------------------------------------------------------------------------

// Close closes the node: a no-op when already closed, or when keep-alive is
// set and force is false. Otherwise it cancels the node's tasks, closes its
// keyed links, cascades close into every realized slot and tuple value,
// detaches from the parent's close event, fires the close event, removes
// the node from its registry home, and clears all notification tables --
// exactly once, re-entrant safe.
func (n *Node) Close(force bool) error {
	if n.closed.Load() {
		return nil
	}
	n.mu.Lock()
	if n.keepAlive && !force {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	// Re-entrancy: a close callback may call back into Close.
	if !n.closing.CompareAndSwap(false, true) {
		return nil
	}
	n.closed.Store(true)

	n.sched.CancelOwner(n)

	n.mu.Lock()
	links := make([]*Link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.links = make(map[string]*Link)
	slots := make([]*Slot, 0, len(n.slots))
	for _, s := range n.slots {
		slots = append(slots, s)
	}
	tuples := make([]*TupleSlot, 0, len(n.tuples))
	for _, t := range n.tuples {
		tuples = append(tuples, t)
	}
	parentUnsub := n.parentUnsub
	n.parentUnsub = nil
	n.parent = nil
	n.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	for _, s := range slots {
		s.release()
	}
	for _, t := range tuples {
		t.release()
	}
	if parentUnsub != nil {
		parentUnsub()
	}

	n.closeObs.Notify(event.Change{
		Name:  "closed",
		Old:   false,
		New:   true,
		Owner: n.Self(),
		Kind:  event.KindClose,
	})

	n.home.Remove(n.key, n)

	n.mu.Lock()
	for _, a := range n.attrs {
		a.observers.Clear()
	}
	n.mu.Unlock()
	n.closeObs.Clear()

	return nil
}

// -----------------------------------------------------------------------------
// Error reporting
// -----------------------------------------------------------------------------

// SetErrorHandler overrides the default error policy for this node.
func (n *Node) SetErrorHandler(fn ErrorHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errHandler = fn
}

// OnError is the node's error hook. Cancellation is never reported. With a
// custom handler installed, the error goes there; otherwise the policy is
// log-and-continue, or panic when the global debug flag is set.
func (n *Node) OnError(err error, msg string, ctx map[string]any) {
	if err == nil || errors.IsCancellation(err) {
		return
	}

	n.mu.Lock()
	handler := n.errHandler
	n.mu.Unlock()

	if handler != nil {
		handler(err, msg, ctx)
		return
	}
	if config.Debug() {
		panic(fmt.Sprintf("%s: %v (node=%s ctx=%v)", msg, err, n.describe(), ctx))
	}

	args := []any{"err", err}
	for k, v := range ctx {
		args = append(args, k, v)
	}
	n.log.Error(msg, args...)
}

// -----------------------------------------------------------------------------
// Task bookkeeping
// -----------------------------------------------------------------------------

// RunTask schedules fn on the node's scheduler with this node as owner.
func (n *Node) RunTask(opts scheduler.Options, fn scheduler.Func) (*scheduler.Task, error) {
	if n.Closed() {
		return nil, errors.ErrClosed
	}
	opts.Owner = n
	return n.sched.Run(opts, fn)
}

// Scheduler returns the node's scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.sched }

// Tasks returns a snapshot of the node's tracked tasks matching the tags
// (default: all non-continuous).
func (n *Node) Tasks(types ...scheduler.Type) []*scheduler.Task {
	return n.sched.TasksOf(n, types...)
}

// SetTaskHandle mirrors a task onto the named attribute: inserted when the
// attribute holds a TaskSet, stored as the single value otherwise. The
// attribute is defined on demand.
func (n *Node) SetTaskHandle(attrName string, t *scheduler.Task) {
	if n.Closed() {
		return
	}
	if v, err := n.Get(attrName); err == nil {
		if set, ok := v.(*scheduler.TaskSet); ok {
			set.Add(t)
			return
		}
	} else {
		_ = n.DefineAttr(attrName, AttrOptions{})
	}
	_ = n.Set(attrName, t)
}

// ClearTaskHandle removes the task from the named handle attribute.
func (n *Node) ClearTaskHandle(attrName string, t *scheduler.Task) {
	if n.Closed() {
		return
	}
	v, err := n.Get(attrName)
	if err != nil {
		return
	}
	if set, ok := v.(*scheduler.TaskSet); ok {
		set.Remove(t)
		return
	}
	if v == t {
		_ = n.Set(attrName, nil)
	}
}
