package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/statetree/statetree/internal/config"
)

// repeatMode selects the sleep discipline of the shared repeat-flag loop.
type repeatMode int

const (
	modeDebounce repeatMode = iota // quiet period after the last request
	modeThrottle                   // fixed window, trailing execution
	modePeriodic                   // fixed interval until the owner closes
)

// repeater is the shared engine behind Debounce, Throttle, and Periodic:
// set a "call requested" flag, sleep according to mode, execute if still
// requested, loop until no longer requested.
type repeater struct {
	s    *Scheduler
	opts Options
	wait time.Duration
	mode repeatMode

	exec func(context.Context) error

	mu        sync.Mutex
	requested bool
	task      *Task
	wake      chan struct{}
}

func newRepeater(s *Scheduler, opts Options, wait time.Duration, mode repeatMode, exec func(context.Context) error) *repeater {
	if min := config.C().Scheduler.MinDebounce(); wait < min {
		wait = min
	}
	if mode == modePeriodic && opts.Type == "" {
		opts.Type = TypeContinuous
	}
	return &repeater{
		s:    s,
		opts: opts,
		wait: wait,
		mode: mode,
		exec: exec,
		wake: make(chan struct{}, 1),
	}
}

// trigger records a request and ensures the loop task is running.
func (r *repeater) trigger() {
	r.mu.Lock()
	r.requested = true
	running := r.task != nil
	if !running {
		t, err := r.s.Run(r.opts, r.loop)
		if err == nil {
			r.task = t
		}
	}
	r.mu.Unlock()

	if running {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// loop is the repeat-flag loop. It exits when no request is pending
// (debounce/throttle), when the owner closes (periodic), or on
// cancellation.
func (r *repeater) loop(ctx context.Context) (any, error) {
	for {
		if err := r.sleep(ctx); err != nil {
			r.detach()
			return nil, err
		}

		if r.mode == modePeriodic {
			if r.opts.Owner != nil && r.opts.Owner.Closed() {
				r.detach()
				return nil, nil
			}
			if err := r.exec(ctx); err != nil {
				r.detach()
				return nil, err
			}
			continue
		}

		r.mu.Lock()
		if !r.requested {
			r.task = nil
			r.mu.Unlock()
			return nil, nil
		}
		r.requested = false
		r.mu.Unlock()

		if err := r.exec(ctx); err != nil {
			r.detach()
			return nil, err
		}

		r.mu.Lock()
		again := r.requested
		if !again {
			r.task = nil
		}
		r.mu.Unlock()
		if !again {
			return nil, nil
		}
	}
}

// sleep waits out one window. In debounce mode every wake resets the quiet
// period; in throttle and periodic modes wakes are absorbed.
func (r *repeater) sleep(ctx context.Context) error {
	timer := time.NewTimer(r.wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
			if r.mode == modeDebounce {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(r.wait)
			}
		case <-timer.C:
			return nil
		}
	}
}

// detach forgets the loop task so the next trigger starts a fresh one.
func (r *repeater) detach() {
	r.mu.Lock()
	r.task = nil
	r.mu.Unlock()
}

// Debounce wraps fn so repeated calls within wait collapse into a single
// execution after the quiet period elapses, using the argument of the last
// call.
func Debounce[T any](s *Scheduler, opts Options, wait time.Duration, fn func(context.Context, T) error) func(T) {
	var (
		mu     sync.Mutex
		latest T
	)
	r := newRepeater(s, opts, wait, modeDebounce, func(ctx context.Context) error {
		mu.Lock()
		arg := latest
		mu.Unlock()
		return fn(ctx, arg)
	})
	return func(arg T) {
		mu.Lock()
		latest = arg
		mu.Unlock()
		r.trigger()
	}
}

// Throttle wraps fn so it executes at most once per wait window, always
// executing once more after the last call, with the argument of the last
// call.
func Throttle[T any](s *Scheduler, opts Options, wait time.Duration, fn func(context.Context, T) error) func(T) {
	var (
		mu     sync.Mutex
		latest T
	)
	r := newRepeater(s, opts, wait, modeThrottle, func(ctx context.Context) error {
		mu.Lock()
		arg := latest
		mu.Unlock()
		return fn(ctx, arg)
	})
	return func(arg T) {
		mu.Lock()
		latest = arg
		mu.Unlock()
		r.trigger()
	}
}

// Periodic re-invokes fn every wait until the owner closes, the loop is
// cancelled, or fn returns an error. The loop runs as a continuous task.
func (s *Scheduler) Periodic(opts Options, wait time.Duration, fn func(context.Context) error) (*Task, error) {
	r := newRepeater(s, opts, wait, modePeriodic, fn)

	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := s.Run(r.opts, r.loop)
	if err != nil {
		return nil, err
	}
	r.task = t
	return t, nil
}
