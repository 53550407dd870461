// Package traits builds higher-level reactive behaviors on top of the node
// runtime. The Aggregator is the serialization trait: it watches a set of
// dotted attribute paths on an owner node, coalesces change bursts into
// single callbacks, and round-trips the persisted subset through nested
// mappings, JSON, and YAML.
package traits

import (
	"encoding/json"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/event"
	"github.com/statetree/statetree/internal/node"
)

// tracked is one live (node, attribute) subscription of the watch
// registry.
type tracked struct {
	pair  node.Pair
	unsub func()
}

// Aggregator watches dotted paths on an owner node and reflects them as a
// single "value" attribute. Changes anywhere along a tracked chain rebuild
// the watch registry (the graph re-shaped); changes at a terminal mark the
// aggregate dirty. However many tracked attributes one mutation touches,
// the registered OnChange callback fires once.
type Aggregator struct {
	owner   *node.Node
	paths   []string
	persist []string

	mu         sync.Mutex
	registry   []tracked
	depth      int
	dirty      bool
	ignoring   int
	validating bool
	selfWrite  bool
	onChange   func()
	closeUnsub func()
}

// New attaches an aggregator to owner. paths are the dotted attribute
// paths to watch; persist is the subset serialized by Value (nil means all
// of paths). The owner gains a "value" attribute: reading it yields the
// current aggregate, and writing it is equivalent to SetValue. The
// aggregator detaches itself when the owner closes.
func New(owner *node.Node, paths, persist []string) (*Aggregator, error) {
	if owner == nil {
		return nil, errors.NewConfigurationError("aggregator requires an owner").
			WithComponent("traits")
	}
	if persist == nil {
		persist = paths
	}

	a := &Aggregator{owner: owner, paths: paths, persist: persist}

	if !owner.HasAttr("value") {
		if err := owner.DefineAttr("value", node.AttrOptions{}); err != nil {
			return nil, err
		}
	}
	unsub, err := owner.Observe("value", a.onValueWritten)
	if err != nil {
		return nil, err
	}

	a.closeUnsub = owner.ObserveClose(func(event.Change) {
		unsub()
		a.Detach()
	})

	a.rebuild()
	a.refreshValue()
	return a, nil
}

// SetOnChange registers the coalesced change callback.
func (a *Aggregator) SetOnChange(fn func()) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Paths returns the watched path set.
func (a *Aggregator) Paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.paths))
	copy(out, a.paths)
	return out
}

// AddPaths extends the watched path set. Paths already present are kept
// once; new paths are also persisted.
func (a *Aggregator) AddPaths(paths ...string) {
	a.mu.Lock()
	have := make(map[string]bool, len(a.paths))
	for _, p := range a.paths {
		have[p] = true
	}
	nextPaths := a.paths
	nextPersist := a.persist
	for _, p := range paths {
		if p == "" || have[p] {
			continue
		}
		have[p] = true
		nextPaths = append(nextPaths, p)
		nextPersist = append(nextPersist, p)
	}
	a.mu.Unlock()

	a.SetPaths(nextPaths, nextPersist)
}

// DropPaths removes paths from the watched and persisted sets.
func (a *Aggregator) DropPaths(paths ...string) {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}

	a.mu.Lock()
	nextPaths := make([]string, 0, len(a.paths))
	for _, p := range a.paths {
		if !drop[p] {
			nextPaths = append(nextPaths, p)
		}
	}
	nextPersist := make([]string, 0, len(a.persist))
	for _, p := range a.persist {
		if !drop[p] {
			nextPersist = append(nextPersist, p)
		}
	}
	a.mu.Unlock()

	a.SetPaths(nextPaths, nextPersist)
}

// SetPaths replaces the watched path set and rebuilds the registry.
func (a *Aggregator) SetPaths(paths, persist []string) {
	if persist == nil {
		persist = paths
	}
	a.mu.Lock()
	a.paths = paths
	a.persist = persist
	a.mu.Unlock()

	a.begin()
	a.rebuild()
	a.markDirty()
	a.end()
}

// -----------------------------------------------------------------------------
// Watch registry
// -----------------------------------------------------------------------------

// rebuild re-resolves every watched path against the current graph shape
// and swaps the subscription set.
func (a *Aggregator) rebuild() {
	a.mu.Lock()
	old := a.registry
	a.registry = nil
	paths := a.paths
	a.mu.Unlock()

	for _, t := range old {
		t.unsub()
	}

	var next []tracked
	for _, path := range paths {
		for _, pair := range node.WalkPath(a.owner.Self(), path) {
			pair := pair
			unsub, err := pair.Node.Observe(pair.Attr, func(c event.Change) {
				a.notify(pair)
			})
			if err != nil {
				continue
			}
			next = append(next, tracked{pair: pair, unsub: unsub})
		}
	}

	a.mu.Lock()
	a.registry = next
	a.mu.Unlock()
}

// notify is the observer path for every tracked attribute. An intermediate
// hop changing means the chain below it was re-pointed, so the registry is
// rebuilt; either way the aggregate is dirty.
func (a *Aggregator) notify(pair node.Pair) {
	a.begin()
	if !pair.Terminal {
		a.rebuild()
	}
	a.markDirty()
	a.end()
}

// begin/end bracket one discrete change event. Cascades re-enter through
// nested begin/end frames; the callback and the value refresh run once,
// when the outermost frame closes.
func (a *Aggregator) begin() {
	a.mu.Lock()
	a.depth++
	a.mu.Unlock()
}

func (a *Aggregator) markDirty() {
	a.mu.Lock()
	if a.ignoring == 0 {
		a.dirty = true
	}
	a.mu.Unlock()
}

func (a *Aggregator) end() {
	a.mu.Lock()
	a.depth--
	fire := a.depth == 0 && a.dirty && !a.validating
	if fire {
		a.dirty = false
	}
	fn := a.onChange
	a.mu.Unlock()

	if !fire {
		return
	}
	a.refreshValue()
	if fn != nil {
		fn()
	}
}

// IgnoreChange runs fn with the aggregator's callback muted. The
// underlying attribute changes still notify their own observers; only this
// aggregator stays quiet. Scopes nest.
func (a *Aggregator) IgnoreChange(fn func()) {
	a.mu.Lock()
	a.ignoring++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ignoring--
		a.mu.Unlock()
	}()
	fn()
}

// Detach drops every subscription. Called automatically when the owner
// closes.
func (a *Aggregator) Detach() {
	a.mu.Lock()
	old := a.registry
	a.registry = nil
	closeUnsub := a.closeUnsub
	a.closeUnsub = nil
	a.mu.Unlock()

	for _, t := range old {
		t.unsub()
	}
	if closeUnsub != nil {
		closeUnsub()
	}
}

// -----------------------------------------------------------------------------
// Serialization
// -----------------------------------------------------------------------------

// Value returns the persisted paths as a nested mapping.
func (a *Aggregator) Value() map[string]any {
	a.mu.Lock()
	persist := a.persist
	a.mu.Unlock()

	out := make(map[string]any)
	for _, path := range persist {
		v, err := node.GetPath(a.owner.Self(), path)
		if err != nil {
			continue
		}
		insertPath(out, path, v)
	}
	return out
}

// ToJSON serializes the persisted aggregate.
func (a *Aggregator) ToJSON() ([]byte, error) {
	return json.Marshal(a.Value())
}

// ToYAML serializes the persisted aggregate.
func (a *Aggregator) ToYAML() ([]byte, error) {
	return yaml.Marshal(a.Value())
}

// SetValue loads an aggregate. Accepted forms: a nested mapping, a YAML or
// JSON document string, a zero-argument producer returning any accepted
// form, or a struct decoded field-by-field. The load is best-effort:
// per-key failures are reported through the owner's error hook and the
// remaining keys still apply. While the load runs the aggregator is in
// validating state, so echoes of its own writes do not re-enter the
// callback; one coalesced refresh fires at the end.
func (a *Aggregator) SetValue(v any) error {
	m, err := a.coerceInput(v)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	a.mu.Lock()
	a.validating = true
	a.mu.Unlock()

	a.begin()
	for path, value := range flatten(m, "") {
		if err := node.SetPath(a.owner.Self(), path, value); err != nil {
			a.owner.OnError(err, "aggregate load failed for key",
				map[string]any{"path": path})
		}
	}

	a.mu.Lock()
	a.validating = false
	a.dirty = true
	a.mu.Unlock()
	a.end()
	return nil
}

// coerceInput normalizes the accepted SetValue forms into a nested
// mapping.
func (a *Aggregator) coerceInput(v any) (map[string]any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return vv, nil
	case string:
		var m map[string]any
		// YAML is a superset of JSON: one decoder covers both document
		// forms.
		if err := yaml.Unmarshal([]byte(vv), &m); err != nil {
			return nil, errors.NewValidationError("aggregate document rejected").
				WithAttr("value").WithCause(err)
		}
		return m, nil
	case []byte:
		return a.coerceInput(string(vv))
	case func() any:
		return a.coerceInput(vv())
	default:
		var m map[string]any
		if err := mapstructure.Decode(v, &m); err != nil {
			return nil, errors.NewValidationError("aggregate input rejected").
				WithAttr("value").WithValue(v).WithCause(err)
		}
		return m, nil
	}
}

// refreshValue mirrors the current aggregate into the owner's "value"
// attribute. selfWrite keeps the value observer from treating the mirror
// write as an external load.
func (a *Aggregator) refreshValue() {
	if a.owner.Closed() {
		return
	}

	a.mu.Lock()
	a.selfWrite = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.selfWrite = false
		a.mu.Unlock()
	}()

	if err := a.owner.Set("value", a.Value()); err != nil {
		a.owner.OnError(err, "aggregate mirror failed", nil)
	}
}

// onValueWritten turns an external write of the owner's "value" attribute
// into a load.
func (a *Aggregator) onValueWritten(c event.Change) {
	a.mu.Lock()
	self := a.selfWrite || a.validating
	a.mu.Unlock()
	if self {
		return
	}
	if err := a.SetValue(c.New); err != nil {
		a.owner.OnError(err, "aggregate value write rejected", nil)
	}
}

// -----------------------------------------------------------------------------
// Nested mapping helpers
// -----------------------------------------------------------------------------

// insertPath writes v into m at a dotted path, creating intermediate maps.
func insertPath(m map[string]any, path string, v any) {
	segs := splitDots(path)
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// flatten walks a nested mapping into dotted path/value pairs. Leaf values
// include non-map sequences; an empty map is itself a leaf.
func flatten(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
			for sk, sv := range flatten(sub, key) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func splitDots(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	return append(segs, path[start:])
}
