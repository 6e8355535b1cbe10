package model

import "time"

// Script is an executable file directly under the scripts directory. Name is
// the catalog name, which is the filename unless an allowlist maps an alias.
type Script struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Executable bool   `json:"executable"`
}

type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Active reports whether the state still blocks admission of another run.
func (s RunState) Active() bool {
	return s == RunPending || s == RunRunning
}

// Run is a point in time copy of an admitted run.
type Run struct {
	ID              string    `json:"id"`
	Script          string    `json:"script"`
	Args            []string  `json:"args,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	PID             int       `json:"pid,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	State           RunState  `json:"state"`
}

// Line is one piece of child output. Terminated is false for a trailing
// partial line or a line cut at the read buffer size; appending "\n" to
// every terminated Text restores the original bytes.
type Line struct {
	Text       string `json:"text"`
	Terminated bool   `json:"terminated"`
}

// RunStatus is the terminal outcome of a run.
type RunStatus struct {
	RunID    string        `json:"run_id"`
	Script   string        `json:"script"`
	State    RunState      `json:"state"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}
