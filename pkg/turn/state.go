package turn

import (
	"github.com/pkg/errors"
)

// State is the lifecycle position of a turn.
type State int

const (
	StatePending State = iota
	StateStreaming
	StateFinalizing
	StateCompleted
	StateCancelled
	StateFailed
)

var ErrInvalidTransition = errors.New("invalid turn state transition")

var stateNames = map[State]string{
	StatePending:    "pending",
	StateStreaming:  "streaming",
	StateFinalizing: "finalizing",
	StateCompleted:  "completed",
	StateCancelled:  "cancelled",
	StateFailed:     "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, errors.Errorf("unknown turn state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st, n := range stateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown turn state %q", string(b))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// CanTransition reports whether s -> to is allowed. Streaming -> Streaming is
// the per-fragment self transition.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch s {
	case StatePending:
		return to == StateStreaming || to == StateCancelled
	case StateStreaming:
		return to == StateStreaming || to == StateFinalizing || to == StateCancelled
	case StateFinalizing:
		return to == StateCompleted || to == StateCancelled
	}
	return false
}
