// Package events provides the append-only audit log for the runtime.
//
// Every component that performs or denies a side effect writes here. The
// log answers "why did it do that?" purely from its records: capability
// decisions, tool lifecycle, run outcomes. Entries are never updated or
// deleted after write.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind categorizes audit events. The set is closed; stores reject
// unknown kinds.
type Kind string

const (
	KindSessionCreated Kind = "session.created"

	KindRunStarted   Kind = "run.started"
	KindPromptBuilt  Kind = "prompt.built"
	KindRunSucceeded Kind = "run.succeeded"
	KindRunFailed    Kind = "run.failed"

	KindAssistantDelta   Kind = "assistant.delta"
	KindAssistantMessage Kind = "assistant.message"

	KindToolRequested Kind = "tool.requested"
	KindToolInvoked   Kind = "tool.invoked"
	KindToolSucceeded Kind = "tool.succeeded"
	KindToolFailed    Kind = "tool.failed"

	KindCapabilityGranted Kind = "capability.granted"
	KindCapabilityDenied  Kind = "capability.denied"
)

// Known reports whether k belongs to the closed event kind set.
func (k Kind) Known() bool {
	switch k {
	case KindSessionCreated,
		KindRunStarted, KindPromptBuilt, KindRunSucceeded, KindRunFailed,
		KindAssistantDelta, KindAssistantMessage,
		KindToolRequested, KindToolInvoked, KindToolSucceeded, KindToolFailed,
		KindCapabilityGranted, KindCapabilityDenied:
		return true
	}
	return false
}

// Event is a single immutable audit record.
//
// Data must never contain secret values; prompt.built carries token
// counts, not prompt text.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID and the current time.
func New(kind Kind, sessionID, runID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Data:      data,
	}
}
