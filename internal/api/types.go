// Package api defines shared HTTP helpers and wire constants.
package api

// Component types identify the kind of component.
const (
	TypeAgent = "agent"
)

// Interface names identify component capabilities.
const (
	InterfaceStatusable = "statusable"
	InterfaceExecutable = "executable"
	InterfaceObservable = "observable"
)

// Error codes
const (
	ErrorValidation       = "validation_error"
	ErrorUnauthorized     = "unauthorized"
	ErrorNotFound         = "not_found"
	ErrorAgentBusy        = "agent_busy"
	ErrorAlreadyCompleted = "already_completed"
	ErrorRunsInProgress   = "runs_in_progress"
	ErrorShuttingDown     = "shutting_down"
	ErrorSpawnFailed      = "spawn_failed"
	ErrorHistory          = "history_unavailable"
)
