package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// counter is a small synchronized call recorder.
type counter struct {
	mu   sync.Mutex
	n    int
	args []int
}

func (c *counter) record(arg int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.args = append(c.args, arg)
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *counter) lastArg() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.args) == 0 {
		return -1
	}
	return c.args[len(c.args)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDebounceCollapsesBurst(t *testing.T) {
	s := newTestScheduler(t)
	c := &counter{}

	debounced := Debounce(s, Options{Key: "burst"}, 30*time.Millisecond,
		func(ctx context.Context, arg int) error {
			c.record(arg)
			return nil
		})

	for i := 0; i < 10; i++ {
		debounced(i)
		time.Sleep(time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return c.count() >= 1 })
	// Give a second (erroneous) execution a chance to appear.
	time.Sleep(60 * time.Millisecond)

	if got := c.count(); got != 1 {
		t.Errorf("burst of 10 collapsed to %d executions, want 1", got)
	}
	if got := c.lastArg(); got != 9 {
		t.Errorf("executed with arg %d, want the last call's arg 9", got)
	}
}

func TestDebounceRunsAgainAfterQuietPeriod(t *testing.T) {
	s := newTestScheduler(t)
	c := &counter{}

	debounced := Debounce(s, Options{Key: "again"}, 10*time.Millisecond,
		func(ctx context.Context, arg int) error {
			c.record(arg)
			return nil
		})

	debounced(1)
	waitFor(t, 2*time.Second, func() bool { return c.count() == 1 })

	debounced(2)
	waitFor(t, 2*time.Second, func() bool { return c.count() == 2 })

	if got := c.lastArg(); got != 2 {
		t.Errorf("second run used arg %d, want 2", got)
	}
}

func TestThrottleTrailingExecution(t *testing.T) {
	s := newTestScheduler(t)
	c := &counter{}

	throttled := Throttle(s, Options{Key: "throttle"}, 25*time.Millisecond,
		func(ctx context.Context, arg int) error {
			c.record(arg)
			return nil
		})

	// Calls spread past one window: at least one execution per window, and
	// the final call's argument always lands.
	for i := 0; i < 5; i++ {
		throttled(i)
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return c.lastArg() == 4 })
	if got := c.count(); got < 1 || got > 3 {
		t.Errorf("throttled executions = %d, want 1..3", got)
	}
}

func TestPeriodicStopsWhenOwnerCloses(t *testing.T) {
	s := newTestScheduler(t)
	owner := &fakeOwner{}
	c := &counter{}

	task, err := s.Periodic(Options{Owner: owner}, 10*time.Millisecond,
		func(ctx context.Context) error {
			c.record(0)
			return nil
		})
	if err != nil {
		t.Fatalf("Periodic failed: %v", err)
	}
	if !task.TaskType().Continuous() {
		t.Error("a periodic loop must default to the continuous type")
	}

	waitFor(t, 2*time.Second, func() bool { return c.count() >= 3 })

	owner.setClosed()
	<-task.Done()
	if task.Err() != nil {
		t.Errorf("owner close must end the loop cleanly, got %v", task.Err())
	}
}

func TestPeriodicStopsOnError(t *testing.T) {
	s := newTestScheduler(t)
	owner := &fakeOwner{}

	task, err := s.Periodic(Options{Owner: owner, IgnoreError: true}, 5*time.Millisecond,
		func(ctx context.Context) error {
			return context.DeadlineExceeded
		})
	if err != nil {
		t.Fatalf("Periodic failed: %v", err)
	}

	<-task.Done()
	if task.Err() == nil {
		t.Error("expected the loop to surface the body's error")
	}
}
