// Package domain defines the core domain models for the experiment backend.
package domain

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStateIdle     RunState = "IDLE"
	RunStateStarting RunState = "STARTING"
	RunStateRunning  RunState = "RUNNING"
	RunStateStopping RunState = "STOPPING"
	RunStateTerminal RunState = "TERMINAL"
)

// Terminal reports whether the state is a resting state a new run may
// start from.
func (s RunState) Terminal() bool {
	return s == RunStateIdle || s == RunStateTerminal
}

// TerminalCause records why a run reached the terminal state.
type TerminalCause string

const (
	CauseCompleted   TerminalCause = "COMPLETED"
	CauseStopped     TerminalCause = "STOPPED"
	CauseCrashed     TerminalCause = "CRASHED"
	CauseTimeout     TerminalCause = "TIMEOUT"
	CauseStartFailed TerminalCause = "START_FAILED"
)

// LogSource identifies one of the two per-run log streams.
type LogSource string

const (
	SourceProbe   LogSource = "probe"
	SourceCapture LogSource = "capture"
)
