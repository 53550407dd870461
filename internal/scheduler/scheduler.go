package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/statetree/statetree/internal/config"
	"github.com/statetree/statetree/internal/errors"
	"github.com/statetree/statetree/internal/logging"
)

// Scheduler manages in-flight tasks. All methods are safe for concurrent
// use via an internal mutex.
type Scheduler struct {
	mu      sync.Mutex
	byKey   map[string]*Task
	byOwner map[Owner]map[*Task]struct{}
	closed  bool

	logger *logging.Logger
}

// New creates a Scheduler. A nil logger falls back to the process default.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		byKey:   make(map[string]*Task),
		byOwner: make(map[Owner]map[*Task]struct{}),
		logger:  logger,
	}
}

var defaultScheduler = New(nil)

// Default returns the process-wide scheduler used by nodes that were not
// given an explicit one.
func Default() *Scheduler { return defaultScheduler }

// Run schedules fn according to opts and returns its handle.
//
// With a Key, singular semantics apply: a running task under the same key
// is cancelled and replaced (default), or -- with NoRestart -- returned
// untouched, in which case fn is never invoked and the returned task's
// eventual result reflects only the original call.
func (s *Scheduler) Run(opts Options, fn Func) (*Task, error) {
	if opts.Handle != "" && opts.Owner == nil {
		return nil, errors.NewConfigurationError("handle mirroring needs an owner").
			WithComponent("scheduler").WithMissing("owner")
	}

	var replaced *Task

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrSchedulerClosed
	}

	if opts.Key != "" {
		if existing, ok := s.byKey[opts.Key]; ok && !existing.IsDone() {
			if opts.NoRestart {
				s.mu.Unlock()
				return existing, nil
			}
			replaced = existing
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := newTask(opts, cancel)

	if opts.Key != "" {
		s.byKey[opts.Key] = t
	}
	if opts.Owner != nil {
		set, ok := s.byOwner[opts.Owner]
		if !ok {
			set = make(map[*Task]struct{})
			s.byOwner[opts.Owner] = set
		}
		set[t] = struct{}{}
	}
	s.mu.Unlock()

	if replaced != nil {
		replaced.Cancel()
	}

	if holder, ok := opts.Owner.(HandleHolder); ok && opts.Handle != "" {
		holder.SetTaskHandle(opts.Handle, t)
	}

	go s.execute(ctx, t, opts.Delay, fn)
	return t, nil
}

// execute runs the task body and finalizes its bookkeeping. Finalization
// always runs before Done() observers unblock.
func (s *Scheduler) execute(ctx context.Context, t *Task, delay time.Duration, fn Func) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finalize(t, nil, errors.ErrTaskCancelled)
			return
		case <-timer.C:
		}
	}

	if ctx.Err() != nil {
		s.finalize(t, nil, errors.ErrTaskCancelled)
		return
	}

	var (
		result  any
		err     error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		result, err = fn(withCurrentTask(ctx, t))
	})
	if r := catcher.Recovered(); r != nil {
		err = errors.NewTaskError("panic in scheduled work", r.AsError()).
			WithTaskID(t.id).WithKey(t.key)
	}

	// A body that returned because its context was cancelled counts as
	// cancelled even if it swallowed the context error.
	if ctx.Err() != nil && err == nil {
		err = errors.ErrTaskCancelled
	}

	s.finalize(t, result, err)
}

// finalize records the outcome, detaches the task from all bookkeeping,
// reports non-cancellation errors, and only then releases Done waiters.
func (s *Scheduler) finalize(t *Task, result any, err error) {
	t.setOutcome(result, err)

	s.mu.Lock()
	if t.key != "" && s.byKey[t.key] == t {
		delete(s.byKey, t.key)
	}
	if t.owner != nil {
		if set, ok := s.byOwner[t.owner]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(s.byOwner, t.owner)
			}
		}
	}
	s.mu.Unlock()

	if holder, ok := t.owner.(HandleHolder); ok && t.handle != "" {
		holder.ClearTaskHandle(t.handle, t)
	}

	if err != nil && !t.ignoreError && !errors.IsCancellation(err) {
		s.report(t, err)
	}

	close(t.done)
}

// report routes a task failure to the owner's error hook, degrading to the
// scheduler's logger when there is no owner.
func (s *Scheduler) report(t *Task, err error) {
	ctx := map[string]any{"task": t.id, "tasktype": string(t.ttype)}
	if t.key != "" {
		ctx["key"] = t.key
	}

	if t.owner != nil {
		t.owner.OnError(err, "task failed", ctx)
		return
	}
	s.logger.WithTask(t.id).Error("task failed", "err", err, "tasktype", string(t.ttype))
}

// Lookup returns the live task registered under key.
func (s *Scheduler) Lookup(key string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byKey[key]
	if !ok || t.IsDone() {
		return nil, false
	}
	return t, true
}

// TasksOf returns a snapshot of the owner's tracked tasks matching the
// given tags. With no tags, all non-continuous tasks match.
func (s *Scheduler) TasksOf(owner Owner, types ...Type) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for t := range s.byOwner[owner] {
		if matchesType(t.ttype, types) {
			out = append(out, t)
		}
	}
	return out
}

func matchesType(tt Type, types []Type) bool {
	if len(types) == 0 {
		return !tt.Continuous()
	}
	for _, want := range types {
		if tt == want {
			return true
		}
	}
	return false
}

// CancelOwner cancels every tracked task of the owner. It does not wait
// for the tasks to unwind; callers needing that call Wait.
func (s *Scheduler) CancelOwner(owner Owner) {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.byOwner[owner]))
	for t := range s.byOwner[owner] {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Wait blocks until the owner's tracked tasks matching the tags complete.
// The task the caller itself runs inside is excluded to avoid deadlock on
// self-wait. The default timeout from configuration applies (0 = forever).
func (s *Scheduler) Wait(ctx context.Context, owner Owner, types ...Type) error {
	return s.WaitTimeout(ctx, owner, config.C().Scheduler.WaitTimeout(), types...)
}

// WaitTimeout is Wait with an explicit timeout. On expiry the outstanding
// tasks are cancelled and a TimeoutError is returned rather than leaving
// them to run unattended.
func (s *Scheduler) WaitTimeout(ctx context.Context, owner Owner, timeout time.Duration, types ...Type) error {
	tasks := s.TasksOf(owner, types...)

	self, _ := CurrentTask(ctx)
	pending := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t == self {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for _, t := range pending {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			for _, rest := range pending {
				rest.Cancel()
			}
			return errors.NewTimeoutError(
				fmt.Sprintf("waiting for %d task(s)", len(pending)), timeout)
		}
	}
	return nil
}

// Close cancels every in-flight task and stops accepting work.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var tasks []*Task
	for _, t := range s.byKey {
		tasks = append(tasks, t)
	}
	for _, set := range s.byOwner {
		for t := range set {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}
