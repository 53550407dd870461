// Package scheduler runs callables as cancellable tasks with singular-by-key
// identity, per-owner bookkeeping, wait/cancel/timeout primitives, and
// debounce/throttle/periodic wrappers. It is the statetree runtime's only
// source of asynchrony: nodes hand it work and the scheduler guarantees that
// completion bookkeeping and error reporting happen before anyone observes
// the task as done.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/statetree/statetree/internal/registry"
)

// Type tags a task for selective waiting and continuous-vs-transient
// bookkeeping.
type Type string

const (
	// TypeGeneral is the default tag for transient work.
	TypeGeneral Type = "general"
	// TypeContinuous marks long-running tasks (periodic loops, watchers)
	// that Wait skips by default.
	TypeContinuous Type = "continuous"
	// TypeUpdate marks change-propagation work scheduled by the aggregator.
	TypeUpdate Type = "update"
	// TypeClick marks user-interaction work scheduled by consumers.
	TypeClick Type = "click"
)

// Continuous reports whether tasks of this type are excluded from default
// waits.
func (t Type) Continuous() bool { return t == TypeContinuous }

// Owner is the contract anything owning tasks must honor. A node satisfies
// it; so does any consumer-side object that wants task bookkeeping.
type Owner interface {
	// Closed reports whether the owner has been closed. Closed owners no
	// longer accept task bookkeeping and periodic loops stop for them.
	Closed() bool
	// OnError receives failures escaping scheduled work. Cancellation is
	// never reported.
	OnError(err error, msg string, ctx map[string]any)
}

// HandleHolder is implemented by owners that mirror task handles on named
// attributes (a single slot or a set attribute, decided by the holder).
type HandleHolder interface {
	SetTaskHandle(attr string, t *Task)
	ClearTaskHandle(attr string, t *Task)
}

// Func is a schedulable unit of work. The context is cancelled when the
// task is cancelled or replaced; cooperative work must observe it at its
// suspension points.
type Func func(ctx context.Context) (any, error)

// Options configure a Run call. The zero value schedules an anonymous,
// unowned, immediate general task with cancel-and-replace semantics.
type Options struct {
	// Key enables singular semantics: at most one task per key is in
	// flight on a scheduler.
	Key string
	// NoRestart inverts the default cancel-and-replace policy: when a task
	// with the same key is already running, that task is returned untouched
	// and the new call's work is discarded.
	NoRestart bool
	// Owner adds the task to the owner's tracked set; it is removed again
	// on completion. Required when Handle is set.
	Owner Owner
	// Handle names an attribute on Owner that mirrors the task.
	Handle string
	// Type tags the task. Zero means TypeGeneral.
	Type Type
	// Delay defers the start of the work. Cancellation during the delay
	// never runs the work.
	Delay time.Duration
	// IgnoreError suppresses OnError reporting for this task's failure.
	// The error is still observable through Result.
	IgnoreError bool
}

func (o Options) taskType() Type {
	if o.Type == "" {
		return TypeGeneral
	}
	return o.Type
}

// Task is the handle for one scheduled unit of work.
type Task struct {
	id     string
	key    string
	ttype  Type
	owner  Owner
	handle string

	ignoreError bool

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

func newTask(opts Options, cancel context.CancelFunc) *Task {
	return &Task{
		id:          registry.NewID(),
		key:         opts.Key,
		ttype:       opts.taskType(),
		owner:       opts.Owner,
		handle:      opts.Handle,
		ignoreError: opts.IgnoreError,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// ID returns the task's ULID.
func (t *Task) ID() string { return t.id }

// Key returns the singular key, or "" for anonymous tasks.
func (t *Task) Key() string { return t.key }

// TaskType returns the task's tag.
func (t *Task) TaskType() Type { return t.ttype }

// Owner returns the owning object, or nil.
func (t *Task) Owner() Owner { return t.owner }

// Done returns a channel closed after the task's finalization step. All
// owner bookkeeping and error reporting is complete by the time it closes.
func (t *Task) Done() <-chan struct{} { return t.done }

// IsDone reports whether the task has finished.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Cancel requests cooperative cancellation. Safe to call repeatedly and
// after completion.
func (t *Task) Cancel() { t.cancel() }

// Result blocks until the task completes or ctx expires, then returns the
// task's result and error. A cancelled task reports ErrTaskCancelled.
func (t *Task) Result(ctx context.Context) (any, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Err returns the task's error if it has completed, and nil otherwise.
func (t *Task) Err() error {
	if !t.IsDone() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setOutcome(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
	t.err = err
}

// currentTaskKey carries the executing task through its context so Wait can
// exclude it and avoid deadlocking on self-wait.
type currentTaskKey struct{}

// CurrentTask returns the task executing the given context, if any.
func CurrentTask(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(currentTaskKey{}).(*Task)
	return t, ok
}

func withCurrentTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, currentTaskKey{}, t)
}
