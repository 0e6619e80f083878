package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownKind is returned when appending an event whose kind is
	// outside the closed set.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrMissingID is returned when appending an event without an ID.
	ErrMissingID = errors.New("event id is required")
)

// Store is the append-only event log contract. Appends are atomic per
// event and ordering within a run or session is preserved even under
// concurrent writers across runs.
type Store interface {
	// Append writes one event. The event is immutable after this call.
	Append(ctx context.Context, event *Event) error

	// ListByRun returns all events for a run in append order. Repeated
	// calls after the run is terminal return identical sequences.
	ListByRun(ctx context.Context, runID string) ([]*Event, error)

	// ListBySession returns all events for a session in append order.
	ListBySession(ctx context.Context, sessionID string) ([]*Event, error)

	// Close releases store resources.
	Close() error
}

// SessionSummary describes one session for listing.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	LastEvent  time.Time `json:"last_event"`
	EventCount int       `json:"event_count"`
}

// Summarizer is implemented by stores that can enumerate sessions.
type Summarizer interface {
	ListSessions(ctx context.Context) ([]*SessionSummary, error)
}

func validate(event *Event) error {
	if event == nil || event.ID == "" {
		return ErrMissingID
	}
	if !event.Kind.Known() {
		return ErrUnknownKind
	}
	return nil
}
