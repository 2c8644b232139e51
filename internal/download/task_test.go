package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name        string
		state       State
		event       Event
		attempts    int
		maxAttempts int
		want        State
	}{
		{"pending start", StatePending, EventStart, 0, 5, StateInFlight},
		{"retrying start", StateRetrying, EventStart, 2, 5, StateInFlight},
		{"inflight success", StateInFlight, EventSuccess, 1, 5, StateVerified},
		{"inflight failure with budget", StateInFlight, EventFailure, 1, 5, StateRetrying},
		{"inflight failure budget exhausted", StateInFlight, EventFailure, 5, 5, StateFailed},
		{"inflight failure over budget", StateInFlight, EventFailure, 7, 5, StateFailed},
		{"failed is terminal", StateFailed, EventStart, 5, 5, StateFailed},
		{"verified is terminal", StateVerified, EventFailure, 1, 5, StateVerified},
		{"pending ignores success", StatePending, EventSuccess, 0, 5, StatePending},
		{"retrying ignores failure", StateRetrying, EventFailure, 2, 5, StateRetrying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transition(tt.state, tt.event, tt.attempts, tt.maxAttempts)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "in-flight", StateInFlight.String())
	assert.Equal(t, "retrying", StateRetrying.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "verified", StateVerified.String())
	assert.Equal(t, "unknown", State(99).String())
}
