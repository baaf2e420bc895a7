// Package remote defines the contract between the sync workers and the
// server-side document store, plus helpers shared by its implementations.
package remote

import (
	"context"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// Patch is a partial update applied to a remote document.
// Fields are merged into the stored fields; a nil IsDeleted leaves the flag unchanged.
type Patch struct {
	Owner     string
	Fields    models.Fields
	Version   int
	IsDeleted *bool
}

// Backend is the remote document store. Every write must be idempotent under
// retry and stamp the document with a server-assigned UpdatedAt.
type Backend interface {
	// UpsertByID creates or replaces the full document.
	UpsertByID(ctx context.Context, collection, id string, entity models.Entity) error

	// PatchByID merges a partial update into an existing document.
	PatchByID(ctx context.Context, collection, id string, patch Patch) error

	// DeleteByID removes the document. Deleting a missing document succeeds.
	DeleteByID(ctx context.Context, collection, id string) error

	// QueryByOwnerSince returns the owner's documents with UpdatedAt > since (unix ms).
	QueryByOwnerSince(ctx context.Context, collection, owner string, since int64) ([]models.Entity, error)
}

// QuotaExceeded wraps err as a quota or overload failure.
func QuotaExceeded(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrSyncQuotaExceeded, message, err)
}

// Unavailable wraps err as a transport failure.
func Unavailable(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrSyncUnavailable, message, err)
}

// Failed wraps err as a generic remote failure.
func Failed(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrSyncFailed, message, err)
}

// NotFound reports a missing remote document.
func NotFound(collection, id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "remote document %s/%s not found", collection, id)
}

// Bool returns a pointer to b, for Patch.IsDeleted.
func Bool(b bool) *bool {
	return &b
}
