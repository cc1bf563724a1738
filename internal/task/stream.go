package task

import (
	"context"
	"iter"
	"time"
)

// DefaultPollInterval bounds how long a stream waits between checks when no
// change notification arrives.
const DefaultPollInterval = 200 * time.Millisecond

// EventKind distinguishes progress lines from the terminal event.
type EventKind int

const (
	// Progress carries one message from the task's log.
	Progress EventKind = iota

	// Final carries the task's result and is always the last event.
	Final
)

// Event is one item of a progress stream.
type Event struct {
	Kind    EventKind
	Message string
	Status  Status
	Result  any
}

// StreamOptions tunes [Stream].
type StreamOptions struct {
	// PollInterval defaults to [DefaultPollInterval].
	PollInterval time.Duration
}

// Stream returns the progress of task id as a finite sequence: every message
// in order, each exactly once, followed by a single Final event once the
// task reaches a terminal status. Messages appended before the terminal
// status are always delivered before the Final event.
//
// The sequence stops early when ctx is done or the consumer breaks out of
// the loop. Unknown IDs fail with [ErrUnknownTask] before any event.
func Stream(ctx context.Context, reg *Registry, id string, opts StreamOptions) (iter.Seq[Event], error) {
	if _, ok := reg.Get(id); !ok {
		return nil, ErrUnknownTask
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return func(yield func(Event) bool) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sent := 0
		for {
			// Grab the wake-up channel before reading so a mutation between
			// the read and the wait is not missed.
			changed := reg.Changed(id)
			snap, ok := reg.Get(id)
			if !ok {
				return
			}

			for _, msg := range snap.Messages[sent:] {
				if !yield(Event{Kind: Progress, Message: msg, Status: snap.Status}) {
					return
				}
				sent++
			}

			if snap.Status.Terminal() {
				yield(Event{Kind: Final, Status: snap.Status, Result: snap.Result})
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			case <-ticker.C:
			}
		}
	}, nil
}
