// Package registry implements the identity-keyed singleton registry for the
// statetree runtime. A Home is an injectable, process-scoped keyed cache:
// constructing a node with an identity key that matches a live member of the
// same Home yields the existing member instead of a new one. Entries are
// torn down explicitly when a member closes -- there is no implicit global
// mutable state and no finalizer magic, so tests can run against private
// homes.
package registry

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/statetree/statetree/internal/errors"
)

// Member is the minimal contract a registered object must honor. A member
// reporting Closed() true is treated as absent and evicted on the next
// lookup touching its key.
type Member interface {
	Closed() bool
}

// Key is a canonicalized identity key built from a tuple of comparable
// fields. The zero Key means "no identity": such objects never register.
type Key struct {
	canonical string
}

// NewKey builds a Key from a tuple of fields. Fields are formatted with %v
// and joined; two keys are equal when all fields format equally.
func NewKey(fields ...any) Key {
	if len(fields) == 0 {
		return Key{}
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%v", f)
	}
	return Key{canonical: strings.Join(parts, "\x1f")}
}

// IsZero reports whether the key carries no identity.
func (k Key) IsZero() bool { return k.canonical == "" }

// String returns a human-readable rendition of the key.
func (k Key) String() string {
	return strings.ReplaceAll(k.canonical, "\x1f", "/")
}

// Home is a namespace of singleton members plus the by-target link
// registry. All methods are safe for concurrent use.
type Home struct {
	name string

	mu      sync.Mutex
	members map[string]Member
	links   map[string]linkEntry
}

// NewHome creates an empty registry namespace.
func NewHome(name string) *Home {
	return &Home{
		name:    name,
		members: make(map[string]Member),
		links:   make(map[string]linkEntry),
	}
}

// Name returns the namespace name.
func (h *Home) Name() string { return h.name }

// Lookup returns the live member registered under key. Closed members are
// evicted and reported as absent.
func (h *Home) Lookup(key Key) (Member, bool) {
	if key.IsZero() {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[key.canonical]
	if !ok {
		return nil, false
	}
	if m.Closed() {
		delete(h.members, key.canonical)
		return nil, false
	}
	return m, true
}

// Register installs a member under key. Registering over a live member is
// a caller error; registering over a closed one evicts it first.
func (h *Home) Register(key Key, m Member) error {
	if key.IsZero() {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.members[key.canonical]; ok && !existing.Closed() && existing != m {
		return errors.NewConfigurationError("identity key already registered").
			WithComponent(h.name).WithMissing("").WithCause(
			fmt.Errorf("key %s is held by a live member", key))
	}
	h.members[key.canonical] = m
	return nil
}

// Remove tears down the entry for key if it is held by m. Called by a
// member as part of its close sequence.
func (h *Home) Remove(key Key, m Member) {
	if key.IsZero() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.members[key.canonical]; ok && existing == m {
		delete(h.members, key.canonical)
	}
}

// Len returns the number of registered members, including closed ones not
// yet evicted.
func (h *Home) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// -----------------------------------------------------------------------------
// Link-by-target registry
// -----------------------------------------------------------------------------

// linkEntry is one by-target occupant: the occupant's id plus its
// teardown.
type linkEntry struct {
	id    string
	close func()
}

// InstallLink records close as the teardown of the link occupying
// targetKey under id, closing any previous occupant first. A target is
// occupied by at most one link at a time.
func (h *Home) InstallLink(targetKey, id string, close func()) {
	h.mu.Lock()
	prev, had := h.links[targetKey]
	h.links[targetKey] = linkEntry{id: id, close: close}
	h.mu.Unlock()

	if had {
		prev.close()
	}
}

// ReleaseLink clears the occupant of targetKey if id still names the
// registered occupant. Called by a link as part of its own close; a link
// displaced by a newer install must not evict its successor.
func (h *Home) ReleaseLink(targetKey, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.links[targetKey]; ok && cur.id == id {
		delete(h.links, targetKey)
	}
}

// -----------------------------------------------------------------------------
// Instance ids
// -----------------------------------------------------------------------------

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a fresh ULID string. Used for node and task instance ids;
// ULIDs sort by creation time, which keeps log output and task listings in
// spawn order.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

var defaultHome = NewHome("default")

// DefaultHome returns the process-wide namespace used when no explicit Home
// is supplied.
func DefaultHome() *Home { return defaultHome }
