package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

func entity(id string, version int) models.Entity {
	return models.Entity{ID: id, Collection: "items", Owner: "shop", Version: version, Fields: models.Fields{"stock": 3.0}}
}

func TestBackend_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New(clock.NewFake(time.UnixMilli(1000)))

	require.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 1)))
	require.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 1)))

	assert.Equal(t, 1, b.Len())
	got, ok := b.Get("items", "a")
	require.True(t, ok)
	assert.Equal(t, int64(1001), got.UpdatedAt)
	assert.Equal(t, 2, b.Calls(OpUpsert))
}

func TestBackend_UpsertNeverLowersVersion(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 4)))

	stale := entity("a", 1)
	stale.Fields = models.Fields{"stock": 9.0}
	require.NoError(t, b.UpsertByID(ctx, "items", "a", stale))

	got, _ := b.Get("items", "a")
	assert.Equal(t, 4, got.Version)
	assert.Equal(t, 9.0, got.Fields["stock"])
}

func TestBackend_PatchMergesFields(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 1)))

	err := b.PatchByID(ctx, "items", "a", remote.Patch{Fields: models.Fields{"name": "Bolt"}, Version: 2})
	require.NoError(t, err)
	require.NoError(t, b.PatchByID(ctx, "items", "a", remote.Patch{Version: 3, IsDeleted: remote.Bool(true)}))

	got, _ := b.Get("items", "a")
	assert.Equal(t, "Bolt", got.Fields["name"])
	assert.Equal(t, 3.0, got.Fields["stock"])
	assert.Equal(t, 3, got.Version)
	assert.True(t, got.IsDeleted)

	err = b.PatchByID(ctx, "items", "missing", remote.Patch{Version: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestBackend_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 1)))

	require.NoError(t, b.DeleteByID(ctx, "items", "a"))
	require.NoError(t, b.DeleteByID(ctx, "items", "a"))
	assert.Zero(t, b.Len())
}

func TestBackend_QueryByOwnerSince(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.UnixMilli(5000))
	b := New(clk)

	first := b.Seed(entity("a", 1))
	clk.Advance(time.Second)
	b.Seed(entity("b", 1))
	other := entity("c", 1)
	other.Owner = "someone-else"
	b.Seed(other)

	all, err := b.QueryByOwnerSince(ctx, "items", "shop", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	later, err := b.QueryByOwnerSince(ctx, "items", "shop", first.UpdatedAt)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "b", later[0].ID)

	none, err := b.QueryByOwnerSince(ctx, "suppliers", "shop", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBackend_FaultInjection(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	quota := remote.QuotaExceeded("quota", errors.New("resource exhausted"))
	b.FailNext(OpUpsert, quota, 2)

	assert.True(t, apperrors.IsQuota(b.UpsertByID(ctx, "items", "a", entity("a", 1))))
	assert.True(t, apperrors.IsQuota(b.UpsertByID(ctx, "items", "a", entity("a", 1))))
	assert.NoError(t, b.UpsertByID(ctx, "items", "a", entity("a", 1)))
	assert.Equal(t, 3, b.Calls(OpUpsert))

	b.SetOffline(true)
	_, err := b.QueryByOwnerSince(ctx, "items", "shop", 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncUnavailable))
	b.SetOffline(false)
	_, err = b.QueryByOwnerSince(ctx, "items", "shop", 0)
	assert.NoError(t, err)
}
