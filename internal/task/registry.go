// Package task keeps the in-memory state of analysis tasks and streams their
// progress to observers.
//
// A [Registry] has one writer per task (the goroutine running the analysis)
// and any number of readers. Readers only ever see immutable [Snapshot]
// values: the message list is copy-on-write, so a snapshot taken mid-append
// is never torn. Every mutation closes the task's change channel, waking
// observers blocked in [Stream].
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. Transitions only move forward:
// Queued → Processing → Complete | Failed.
type Status int

const (
	Queued Status = iota
	Processing
	Complete
	Failed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Processing:
		return "processing"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Complete or Failed.
func (s Status) Terminal() bool { return s == Complete || s == Failed }

// Sentinel errors returned by [Registry] mutations.
var (
	ErrUnknownTask       = errors.New("task: unknown task ID")
	ErrInvalidTransition = errors.New("task: invalid status transition")
)

// InitialMessage is recorded on every new task.
const InitialMessage = "Task received. Starting analysis..."

// Snapshot is an immutable view of a task.
type Snapshot struct {
	ID        string
	Status    Status
	Messages  []string
	Result    any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type entry struct {
	snap    Snapshot
	changed chan struct{}
}

// Registry stores tasks for the lifetime of the process.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	now   func() time.Time
	newID func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*entry),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create registers a new Queued task with [InitialMessage] and returns its
// snapshot.
func (r *Registry) Create() Snapshot {
	now := r.now()
	e := &entry{
		snap: Snapshot{
			ID:        r.newID(),
			Status:    Queued,
			Messages:  []string{InitialMessage},
			CreatedAt: now,
			UpdatedAt: now,
		},
		changed: make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[e.snap.ID] = e
	r.mu.Unlock()
	return e.snap
}

// Get returns the current snapshot of id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snap, true
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Changed returns a channel closed at the next mutation of id. It returns
// nil for unknown IDs.
func (r *Registry) Changed(id string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil
	}
	return e.changed
}

// Append adds msg to the progress log of id.
func (r *Registry) Append(id, msg string) error {
	return r.update(id, func(s *Snapshot) error {
		msgs := make([]string, len(s.Messages), len(s.Messages)+1)
		copy(msgs, s.Messages)
		s.Messages = append(msgs, msg)
		return nil
	})
}

// SetStatus moves id to a non-terminal status. Use [Registry.Finish] for
// terminal states.
func (r *Registry) SetStatus(id string, status Status) error {
	if status.Terminal() {
		return fmt.Errorf("%w: %s requires a result", ErrInvalidTransition, status)
	}
	return r.update(id, func(s *Snapshot) error {
		return transition(s, status)
	})
}

// Finish moves id to the terminal status and stores result in one step.
// The result can only be set once.
func (r *Registry) Finish(id string, status Status, result any) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	return r.update(id, func(s *Snapshot) error {
		if err := transition(s, status); err != nil {
			return err
		}
		s.Result = result
		return nil
	})
}

func transition(s *Snapshot, to Status) error {
	if to <= s.Status || s.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// update applies fn to a copy of the snapshot and publishes it on success.
func (r *Registry) update(id string, fn func(*Snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	next := e.snap
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = r.now()
	e.snap = next

	close(e.changed)
	e.changed = make(chan struct{})
	return nil
}
