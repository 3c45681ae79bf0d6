// Package runstate defines the lifecycle of an execution run and the
// transitions allowed between its states.
package runstate

// State is a run's position in its lifecycle.
type State string

const (
	// Queued runs have been accepted but the engine has not picked them up.
	Queued State = "queued"

	// Running runs have a child process (or are between retry attempts).
	Running State = "running"

	Succeeded State = "succeeded"
	Failed    State = "failed"

	// Cancelled runs were stopped on request. The state is set as soon as
	// the request arrives; the run still settles before its result is final.
	Cancelled State = "cancelled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	switch s {
	case Succeeded, Failed, Cancelled:
		return true
	}
	return false
}

// IsActive reports whether the run still holds a slot.
func (s State) IsActive() bool {
	return s == Queued || s == Running
}

// transitions maps each state to the states it may move to.
var transitions = map[State][]State{
	Queued:    {Running, Failed, Cancelled},
	Running:   {Succeeded, Failed, Cancelled},
	Succeeded: {},
	Failed:    {},
	Cancelled: {},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// All returns every state in lifecycle order.
func All() []State {
	return []State{Queued, Running, Succeeded, Failed, Cancelled}
}

// Parse converts a string to a State, reporting whether it names one.
func Parse(s string) (State, bool) {
	for _, valid := range All() {
		if State(s) == valid {
			return valid, true
		}
	}
	return "", false
}
