package scheduler

import "sync"

// TaskSet is a concurrency-safe set of task handles. Owners expose one as
// a handle attribute when several tasks should be mirrored side by side
// instead of replacing each other.
type TaskSet struct {
	mu sync.Mutex
	m  map[*Task]struct{}
}

// NewTaskSet creates an empty set.
func NewTaskSet() *TaskSet {
	return &TaskSet{m: make(map[*Task]struct{})}
}

// Add inserts a task. Duplicate inserts are no-ops.
func (s *TaskSet) Add(t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[t] = struct{}{}
}

// Remove drops a task if present.
func (s *TaskSet) Remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, t)
}

// Contains reports membership.
func (s *TaskSet) Contains(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[t]
	return ok
}

// All returns a snapshot of the members.
func (s *TaskSet) All() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.m))
	for t := range s.m {
		out = append(out, t)
	}
	return out
}

// Len returns the member count.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
