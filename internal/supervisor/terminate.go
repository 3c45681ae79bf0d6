package supervisor

// Signal is a platform-neutral termination request.
type Signal int

const (
	// SignalTerm asks the process to shut down.
	SignalTerm Signal = iota
	// SignalKill forces it down.
	SignalKill
)

func (s Signal) String() string {
	if s == SignalKill {
		return "SIGKILL"
	}
	return "SIGTERM"
}

// Terminator delivers termination signals to a spawned child and whatever it
// spawned in turn.
type Terminator interface {
	Terminate(pid int, sig Signal) error
}

// TerminatorFunc adapts a function to the Terminator interface.
type TerminatorFunc func(pid int, sig Signal) error

func (f TerminatorFunc) Terminate(pid int, sig Signal) error {
	return f(pid, sig)
}
