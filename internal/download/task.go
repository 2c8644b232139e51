// Package download implements the chunk download scheduler: a bounded
// worker pool draining an ordered queue of planned chunks, with
// per-task retry state machines, exponential backoff, and a token
// bucket throttling aggregate bandwidth across all workers.
package download

import "github.com/vpoletaev/depot/internal/manifest"

// State is the lifecycle position of one download task.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateFailed
	StateVerified
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Event drives task transitions.
type Event int

const (
	// EventStart begins an attempt (from Pending or Retrying).
	EventStart Event = iota
	// EventSuccess records a fetched, hash-verified, persisted chunk.
	EventSuccess
	// EventFailure records a failed attempt; whether it leads to
	// Retrying or Failed depends on the remaining attempt budget.
	EventFailure
)

// Task tracks one chunk through the scheduler. Tasks are ephemeral:
// they exist only for the duration of a single Run.
type Task struct {
	Ref      manifest.ChunkRef
	Attempts int
	State    State
}

// Transition is the pure state-transition function for download tasks.
// attempts is the number of attempts already consumed, maxAttempts the
// budget. Events that do not apply to the current state leave it
// unchanged, so retry policy stays testable independent of whichever
// concurrency primitive drives it.
func Transition(s State, ev Event, attempts, maxAttempts int) State {
	switch s {
	case StatePending, StateRetrying:
		if ev == EventStart {
			return StateInFlight
		}
	case StateInFlight:
		switch ev {
		case EventSuccess:
			return StateVerified
		case EventFailure:
			if attempts >= maxAttempts {
				return StateFailed
			}
			return StateRetrying
		}
	}
	return s
}
