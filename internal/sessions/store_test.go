package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/warden/pkg/models"
)

// stores runs a subtest against both implementations.
func stores(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func TestCreateAndGet(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := &models.Session{Title: "review PR", Metadata: map[string]any{"origin": "cli"}}
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}
		if session.ID == "" {
			t.Fatal("no id generated")
		}

		got, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Title != "review PR" {
			t.Errorf("title = %q", got.Title)
		}
		if got.Metadata["origin"] != "cli" {
			t.Errorf("metadata = %v", got.Metadata)
		}

		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("get missing = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateAccumulatesRunsAndUsage(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := &models.Session{}
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}

		session.RunIDs = append(session.RunIDs, "run-1")
		session.Usage.Add(models.Usage{InputTokens: 100, OutputTokens: 40})
		if err := store.Update(ctx, session); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := store.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.RunIDs) != 1 || got.RunIDs[0] != "run-1" {
			t.Errorf("run ids = %v", got.RunIDs)
		}
		if got.Usage.Total() != 140 {
			t.Errorf("usage total = %d, want 140", got.Usage.Total())
		}

		if err := store.Update(ctx, &models.Session{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing = %v, want ErrNotFound", err)
		}
	})
}

func TestHistoryOrderAndLimit(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := &models.Session{}
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}

		contents := []string{"first", "second", "third"}
		roles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleUser}
		for i := range contents {
			msg := &models.Message{Role: roles[i], Content: contents[i]}
			if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		full, err := store.History(ctx, session.ID, 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(full) != 3 {
			t.Fatalf("got %d messages, want 3", len(full))
		}
		for i, msg := range full {
			if msg.Content != contents[i] {
				t.Errorf("message %d = %q, want %q", i, msg.Content, contents[i])
			}
		}

		tail, err := store.History(ctx, session.ID, 2)
		if err != nil {
			t.Fatalf("history limit: %v", err)
		}
		if len(tail) != 2 || tail[0].Content != "second" || tail[1].Content != "third" {
			t.Errorf("limited history = %v", tail)
		}

		if _, err := store.History(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("history missing = %v, want ErrNotFound", err)
		}
	})
}

func TestMessageToolCallsRoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := &models.Session{}
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}

		msg := &models.Message{
			Role:    models.RoleAssistant,
			Content: "reading the file",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "read_file", Input: json.RawMessage(`{"path":"/workspace/a.txt"}`)},
			},
		}
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("append: %v", err)
		}

		history, err := store.History(ctx, session.ID, 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || len(history[0].ToolCalls) != 1 {
			t.Fatalf("history = %+v", history)
		}
		if history[0].ToolCalls[0].Name != "read_file" {
			t.Errorf("tool call = %+v", history[0].ToolCalls[0])
		}
	})
}

func TestListOrdersByRecency(t *testing.T) {
	stores(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first := &models.Session{Title: "older"}
		second := &models.Session{Title: "newer"}
		if err := store.Create(ctx, first); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.Create(ctx, second); err != nil {
			t.Fatalf("create: %v", err)
		}
		// Touch the first session so it becomes the most recent.
		if err := store.Update(ctx, first); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := store.List(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d sessions, want 2", len(got))
		}
		if got[0].ID != first.ID {
			t.Errorf("most recent = %q, want %q", got[0].Title, "older")
		}

		limited, err := store.List(ctx, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("list limit: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("got %d sessions, want 1", len(limited))
		}
	})
}
