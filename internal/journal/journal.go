// internal/journal/journal.go
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a journal entry
type Kind string

const (
	KindCreated      Kind = "created"
	KindRemoved      Kind = "removed"
	KindStateChanged Kind = "state_changed"
	KindError        Kind = "error"
)

// Entry is one persisted connection event. Payloads are never recorded.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Adapter   string    `json:"adapter"`
	Protocol  string    `json:"protocol"`
	Kind      Kind      `json:"kind"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows a journal listing
type Filter struct {
	Adapter string
	Kind    Kind
	Since   *time.Time
	Limit   int
}

// Repository defines journal data access operations
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter *Filter) ([]*Entry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
