package coordinator

import "errors"

// State is a coordinator lifecycle phase. The zero value is not valid;
// coordinators begin at StateStopped.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// ErrInvalidTransition is returned when a lifecycle call does not apply to
// the current state, such as Pause while stopped or a second Start.
var ErrInvalidTransition = errors.New("invalid coordinator state transition")

var allowedTransitions = map[State]map[State]struct{}{
	StateStopped: {
		StateStarting: {},
	},
	StateStarting: {
		StateRunning:  {},
		StateStopping: {},
	},
	StateRunning: {
		StatePaused:   {},
		StateStopping: {},
	},
	StatePaused: {
		StateRunning:  {},
		StateStopping: {},
	},
	StateStopping: {
		StateStopped: {},
	},
}

func canTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
