package model

import "time"

type RunStatus string

const (
	RunStatusCreated      RunStatus = "created"
	RunStatusProvisioning RunStatus = "provisioning"
	RunStatusRunning      RunStatus = "running"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
)

type SandboxState string

const (
	SandboxStateUninitialized SandboxState = "uninitialized"
	SandboxStateProvisioned   SandboxState = "provisioned"
	SandboxStateExecuting     SandboxState = "executing"
	SandboxStateTornDown      SandboxState = "torn_down"
)

const (
	ExitCodeFailure = 1
	ExitCodeTimeout = 124
)

// CommandResult is always fully populated, even when the command could not
// be observed directly.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

type RunRecord struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	RepoURL   string    `json:"repo_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ErrorText string    `json:"error_text,omitempty"`
}

type EventRecord struct {
	ID        int64     `json:"id"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}
