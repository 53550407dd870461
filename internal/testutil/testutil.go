// Package testutil provides testing utilities for statetree tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/statetree/statetree/internal/logging"
	"github.com/statetree/statetree/internal/node"
	"github.com/statetree/statetree/internal/registry"
	"github.com/statetree/statetree/internal/scheduler"
)

// NewHome creates a private registry namespace for one test, so tests
// never share singleton state through the process default.
func NewHome(t *testing.T) *registry.Home {
	t.Helper()
	return registry.NewHome(t.Name())
}

// NewScheduler creates a private scheduler for one test and closes it when
// the test completes.
func NewScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(logging.NopLogger())
	t.Cleanup(s.Close)
	return s
}

// NewNode builds a bare node on a private home and scheduler.
func NewNode(t *testing.T) *node.Node {
	t.Helper()
	n := &node.Node{}
	n.Init(n, node.Spec{
		Home:      NewHome(t),
		Scheduler: NewScheduler(t),
		Logger:    logging.NopLogger(),
	})
	t.Cleanup(func() { _ = n.Close(true) })
	return n
}

// ErrorCapture collects errors reported through a node's error hook.
type ErrorCapture struct {
	mu     sync.Mutex
	errors []error
	msgs   []string
}

// Install registers the capture as n's error handler.
func (c *ErrorCapture) Install(n *node.Node) {
	n.SetErrorHandler(func(err error, msg string, ctx map[string]any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errors = append(c.errors, err)
		c.msgs = append(c.msgs, msg)
	})
}

// Errors returns a snapshot of the captured errors.
func (c *ErrorCapture) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errors))
	copy(out, c.errors)
	return out
}

// Messages returns a snapshot of the captured messages.
func (c *ErrorCapture) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of captured errors.
func (c *ErrorCapture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
