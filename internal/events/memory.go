package events

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory event log, used in tests and for
// ephemeral sessions. Events are kept in strict append order.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event

	byRun     map[string][]int
	bySession map[string][]int
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRun:     make(map[string][]int),
		bySession: make(map[string][]int),
	}
}

// Append writes one event. The store copies nothing; callers must not
// mutate an event after appending it.
func (s *MemoryStore) Append(ctx context.Context, event *Event) error {
	if err := validate(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.events)
	s.events = append(s.events, event)
	if event.RunID != "" {
		s.byRun[event.RunID] = append(s.byRun[event.RunID], idx)
	}
	if event.SessionID != "" {
		s.bySession[event.SessionID] = append(s.bySession[event.SessionID], idx)
	}
	return nil
}

// ListByRun returns the run's events in append order.
func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byRun[runID]), nil
}

// ListBySession returns the session's events in append order.
func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySession[sessionID]), nil
}

// ListSessions enumerates sessions seen by this store.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]*SessionSummary, 0, len(s.bySession))
	for id, idxs := range s.bySession {
		if len(idxs) == 0 {
			continue
		}
		summaries = append(summaries, &SessionSummary{
			SessionID:  id,
			StartedAt:  s.events[idxs[0]].Timestamp,
			LastEvent:  s.events[idxs[len(idxs)-1]].Timestamp,
			EventCount: len(idxs),
		})
	}
	return summaries, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) collect(idxs []int) []*Event {
	out := make([]*Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.events[i])
	}
	return out
}
