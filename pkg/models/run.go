package models

import "time"

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// a run never returns to StatusRunning once it reaches a terminal state.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run is one user-turn execution unit: context assembly, model call(s),
// tool call(s), termination. A run is owned and mutated only by the loop
// that executes it.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Status    RunStatus `json:"status"`
	Model     string    `json:"model,omitempty"`
	Usage     Usage     `json:"usage"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Session is a durable conversation context owning a serialized sequence
// of runs. Sessions are never deleted, only appended to.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	RunIDs    []string       `json:"run_ids,omitempty"`
	Usage     Usage          `json:"usage"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
