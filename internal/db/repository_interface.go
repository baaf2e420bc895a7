package db

import (
	"context"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// EntityStore defines operations on the local durable store.
// This interface allows the sync workers to be tested against fakes.
type EntityStore interface {
	// Put upserts a snapshot keyed by (collection, id).
	Put(ctx context.Context, e *models.Entity) error

	// Get retrieves a snapshot or returns an ErrNotFound error.
	Get(ctx context.Context, collection, id string) (*models.Entity, error)

	// ListByOwner returns the owner's snapshots.
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Entity, error)

	// Delete physically removes a snapshot.
	Delete(ctx context.Context, collection, id string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns recent entries for an owner.
	ListConflictLogs(ctx context.Context, owner string, limit int) ([]models.ConflictLog, error)
}

// CursorStore persists the Pull Service cursor.
type CursorStore interface {
	GetPullCursor(ctx context.Context, owner string) (models.PullCursor, bool, error)
	SavePullCursor(ctx context.Context, cursor models.PullCursor) error
}

// QuotaStore persists the Push Worker circuit breaker.
type QuotaStore interface {
	GetQuotaBlockedUntil(ctx context.Context, owner string) (*time.Time, error)
	SetQuotaBlockedUntil(ctx context.Context, owner string, until *time.Time) error
}

// Transactor runs a function inside a transaction carried by the context.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Ensure the concrete repositories implement the interfaces at compile time.
var (
	_ EntityStore           = (*EntityRepository)(nil)
	_ ConflictLogRepository = (*ConflictRepository)(nil)
	_ CursorStore           = (*StateRepository)(nil)
	_ QuotaStore            = (*StateRepository)(nil)
	_ Transactor            = (*TxManager)(nil)
)
