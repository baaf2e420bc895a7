package remote

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// WithTimeout bounds every call to b by d. A zero or negative d returns b unchanged.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{next: b, timeout: d}
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

func (t *timeoutBackend) UpsertByID(ctx context.Context, collection, id string, entity models.Entity) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, "upsert", t.next.UpsertByID(ctx, collection, id, entity))
}

func (t *timeoutBackend) PatchByID(ctx context.Context, collection, id string, patch Patch) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, "patch", t.next.PatchByID(ctx, collection, id, patch))
}

func (t *timeoutBackend) DeleteByID(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify(ctx, "delete", t.next.DeleteByID(ctx, collection, id))
}

func (t *timeoutBackend) QueryByOwnerSince(ctx context.Context, collection, owner string, since int64) ([]models.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.QueryByOwnerSince(ctx, collection, owner, since)
	return out, t.classify(ctx, "query", err)
}

// classify tags errors caused by our own deadline as timeouts.
func (t *timeoutBackend) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperrors.Is(err, apperrors.ErrSyncTimeout) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "remote "+op+" exceeded "+t.timeout.String(), err)
	}
	return err
}
