package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/warden/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// Create persists a new session, generating an ID if absent.
	Create(ctx context.Context, session *models.Session) error

	// Get returns the session by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update replaces a stored session.
	Update(ctx context.Context, session *models.Session) error

	// List returns sessions ordered by most recent update.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage adds one message to a session's history.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns up to limit most recent messages in chronological
	// order. limit <= 0 returns the full history.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Close releases store resources.
	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}
