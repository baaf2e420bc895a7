package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stocksync/backend/internal/db"
	"github.com/kimhsiao/stocksync/backend/internal/db/dbtest"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

func item(id, owner string, version int, stock float64) *models.Entity {
	return &models.Entity{
		ID:         id,
		Collection: "items",
		Owner:      owner,
		Fields:     models.Fields{"name": "item " + id, "stock": stock},
		Version:    version,
		UpdatedAt:  1_700_000_000_000 + int64(version),
	}
}

// =====================================================
// EntityRepository Tests
// =====================================================

func TestEntityRepository_PutGet(t *testing.T) {
	ctx := context.Background()
	repo := db.NewEntityRepository(dbtest.Open(t).DB)

	require.NoError(t, repo.Put(ctx, item("a", "shop", 1, 10)))

	got, err := repo.Get(ctx, "items", "a")
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Owner)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, 10.0, got.Fields["stock"])
	assert.False(t, got.IsDeleted)
}

func TestEntityRepository_PutOverwritesIdempotently(t *testing.T) {
	ctx := context.Background()
	repo := db.NewEntityRepository(dbtest.Open(t).DB)

	e := item("a", "shop", 1, 10)
	require.NoError(t, repo.Put(ctx, e))
	require.NoError(t, repo.Put(ctx, e))

	updated := item("a", "shop", 2, 7)
	updated.IsDeleted = true
	require.NoError(t, repo.Put(ctx, updated))

	got, err := repo.Get(ctx, "items", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 7.0, got.Fields["stock"])
	assert.True(t, got.IsDeleted)

	all, err := repo.ListByOwner(ctx, "shop", db.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEntityRepository_GetMissing(t *testing.T) {
	repo := db.NewEntityRepository(dbtest.Open(t).DB)

	_, err := repo.Get(context.Background(), "items", "nope")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestEntityRepository_ListByOwner(t *testing.T) {
	ctx := context.Background()
	repo := db.NewEntityRepository(dbtest.Open(t).DB)

	deleted := item("b", "shop", 2, 0)
	deleted.IsDeleted = true
	supplier := &models.Entity{ID: "s1", Collection: "suppliers", Owner: "shop", Version: 1}

	for _, e := range []*models.Entity{item("c", "shop", 1, 1), deleted, item("a", "shop", 1, 1), item("z", "other", 1, 1), supplier} {
		require.NoError(t, repo.Put(ctx, e))
	}

	all, err := repo.ListByOwner(ctx, "shop", db.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"a", "b", "c", "s1"}, ids(all))

	live, err := repo.ListByOwner(ctx, "shop", db.ListOptions{Collection: "items", ExcludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(live))
}

func TestEntityRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := db.NewEntityRepository(dbtest.Open(t).DB)

	require.NoError(t, repo.Put(ctx, item("a", "shop", 1, 1)))
	require.NoError(t, repo.Delete(ctx, "items", "a"))
	require.NoError(t, repo.Delete(ctx, "items", "a"))

	_, err := repo.Get(ctx, "items", "a")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func ids(es []models.Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

// =====================================================
// TxManager Tests
// =====================================================

func TestTxManager_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	tx := db.NewTxManager(database.DB)
	repo := db.NewEntityRepository(database.DB)

	require.NoError(t, tx.RunInTx(ctx, func(ctx context.Context) error {
		return repo.Put(ctx, item("kept", "shop", 1, 1))
	}))

	boom := errors.New("boom")
	err := tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := repo.Put(ctx, item("dropped", "shop", 1, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.Get(ctx, "items", "kept")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "items", "dropped")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestTxManager_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	tx := db.NewTxManager(database.DB)
	repo := db.NewEntityRepository(database.DB)

	err := tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := tx.RunInTx(ctx, func(ctx context.Context) error {
			return repo.Put(ctx, item("inner", "shop", 1, 1))
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	require.Error(t, err)

	_, err = repo.Get(ctx, "items", "inner")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestTxManager_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	tx := db.NewTxManager(database.DB)
	repo := db.NewEntityRepository(database.DB)

	assert.Panics(t, func() {
		_ = tx.RunInTx(ctx, func(ctx context.Context) error {
			_ = repo.Put(ctx, item("p", "shop", 1, 1))
			panic("kaboom")
		})
	})

	_, err := repo.Get(ctx, "items", "p")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// StateRepository Tests
// =====================================================

func TestStateRepository_PullCursor(t *testing.T) {
	ctx := context.Background()
	repo := db.NewStateRepository(dbtest.Open(t).DB)

	_, ok, err := repo.GetPullCursor(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, ok)

	in := models.PullCursor{Owner: "shop", LastPullTime: 1234, Interval: 12 * time.Minute, NoChangeStreak: 1}
	require.NoError(t, repo.SavePullCursor(ctx, in))

	got, ok, err := repo.GetPullCursor(ctx, "shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, got)
}

func TestStateRepository_QuotaIndependentOfCursor(t *testing.T) {
	ctx := context.Background()
	repo := db.NewStateRepository(dbtest.Open(t).DB)

	until, err := repo.GetQuotaBlockedUntil(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, until)

	deadline := time.UnixMilli(1_800_000_000_000)
	require.NoError(t, repo.SetQuotaBlockedUntil(ctx, "shop", &deadline))
	require.NoError(t, repo.SavePullCursor(ctx, models.PullCursor{Owner: "shop", LastPullTime: 99, Interval: time.Minute}))

	got, err := repo.GetQuotaBlockedUntil(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, deadline.Equal(*got))

	cursor, ok, err := repo.GetPullCursor(ctx, "shop")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(99), cursor.LastPullTime)

	require.NoError(t, repo.SetQuotaBlockedUntil(ctx, "shop", nil))
	got, err = repo.GetQuotaBlockedUntil(ctx, "shop")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =====================================================
// ConflictRepository Tests
// =====================================================

func TestConflictRepository(t *testing.T) {
	ctx := context.Background()
	repo := db.NewConflictRepository(dbtest.Open(t).DB)

	for i := int64(1); i <= 3; i++ {
		entry := &models.ConflictLog{
			Owner: "shop", Collection: "items", ItemID: "a",
			LocalVersion: 3, RemoteVersion: int(i) + 3,
			Resolution: models.ResolutionLocalPending, DetectedAt: i * 1000,
		}
		require.NoError(t, repo.CreateConflictLog(ctx, entry))
		assert.NotZero(t, entry.ID)
	}

	logs, err := repo.ListConflictLogs(ctx, "shop", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(3000), logs[0].DetectedAt)

	n, err := repo.DeleteConflictLogsBefore(ctx, 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	logs, err = repo.ListConflictLogs(ctx, "shop", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestConflictRepository_SameSnapshotLoggedOnce(t *testing.T) {
	ctx := context.Background()
	repo := db.NewConflictRepository(dbtest.Open(t).DB)

	entry := func(remoteVersion int, detectedAt int64) *models.ConflictLog {
		return &models.ConflictLog{
			Owner: "shop", Collection: "items", ItemID: "a",
			LocalVersion: 3, RemoteVersion: remoteVersion,
			Resolution: models.ResolutionLocalPending, DetectedAt: detectedAt,
		}
	}

	first := entry(5, 1000)
	require.NoError(t, repo.CreateConflictLog(ctx, first))
	assert.NotZero(t, first.ID)

	again := entry(5, 2000)
	require.NoError(t, repo.CreateConflictLog(ctx, again))
	assert.Zero(t, again.ID)

	newer := entry(6, 3000)
	require.NoError(t, repo.CreateConflictLog(ctx, newer))
	assert.NotZero(t, newer.ID)

	logs, err := repo.ListConflictLogs(ctx, "shop", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 6, logs[0].RemoteVersion)
	assert.Equal(t, 5, logs[1].RemoteVersion)
}
