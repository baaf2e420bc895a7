package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	"github.com/kimhsiao/stocksync/backend/internal/db/dbtest"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/queue"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *clock.Fake
	commits   *queue.CommitLog
	conflicts *db.ConflictRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	clk := clock.NewFake(t0)
	return &fixture{
		clock:     clk,
		commits:   queue.NewCommitLog(database.DB, clk, logging.Discard()),
		conflicts: db.NewConflictRepository(database.DB),
	}
}

func (f *fixture) append(t *testing.T, doc string) *models.Commit {
	t.Helper()
	c, err := f.commits.Append(context.Background(), queue.AppendRequest{
		Type: models.CommitCreate, Collection: "items", DocID: doc, Version: 1, Owner: "shop",
	})
	require.NoError(t, err)
	return c
}

func TestCompact_DeletesOnlyAgedSyncedCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.append(t, "old")
	require.NoError(t, f.commits.MarkSynced(ctx, old.ID))
	stuck := f.append(t, "stuck")
	abandoned := f.append(t, "abandoned")
	require.NoError(t, f.commits.MarkAbandoned(ctx, abandoned.ID, "boom"))

	f.clock.Advance(20 * time.Hour)
	recent := f.append(t, "recent")
	require.NoError(t, f.commits.MarkSynced(ctx, recent.ID))

	f.clock.Advance(5 * time.Hour)
	tel := telemetry.New(true)
	c := New(f.commits, f.conflicts, Config{Retention: 24 * time.Hour}, f.clock, tel, logging.Discard())

	res, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CommitsDeleted)
	assert.Equal(t, t0.Add(time.Hour), res.Cutoff)
	assert.Equal(t, int64(1), tel.Count(telemetry.CommitsCompacted))

	_, err = f.commits.Get(ctx, old.ID)
	assert.Error(t, err)
	for _, id := range []string{stuck.ID, abandoned.ID, recent.ID} {
		_, err := f.commits.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestCompact_AbandonedKeptForLongerRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	abandoned := f.append(t, "abandoned")
	require.NoError(t, f.commits.MarkAbandoned(ctx, abandoned.ID, "boom"))
	c := New(f.commits, nil, Config{Retention: 24 * time.Hour, AbandonedRetention: 7 * 24 * time.Hour}, f.clock, nil, logging.Discard())

	f.clock.Advance(6 * 24 * time.Hour)
	res, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.AbandonedDeleted)
	n, err := f.commits.AbandonedCount(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Advance(2 * 24 * time.Hour)
	res, err = c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AbandonedDeleted)
	assert.Equal(t, int64(0), res.CommitsDeleted)
	n, err = f.commits.AbandonedCount(ctx, "shop")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompact_NeverDeletesUnsynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, doc := range []string{"a", "b", "c"} {
		f.append(t, doc)
	}

	f.clock.Advance(365 * 24 * time.Hour)
	c := New(f.commits, nil, Config{}, f.clock, nil, logging.Discard())
	res, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.CommitsDeleted)

	n, err := f.commits.PendingCount(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCompact_PrunesConflictLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.conflicts.CreateConflictLog(ctx, &models.ConflictLog{
		Owner: "shop", Collection: "items", ItemID: "p1", Resolution: models.ResolutionLocalPending, DetectedAt: t0.UnixMilli(),
	}))

	f.clock.Advance(48 * time.Hour)
	c := New(f.commits, f.conflicts, Config{}, f.clock, nil, logging.Discard())
	res, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ConflictsDeleted)
}

func TestRun_CompactsOnStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	old := f.append(t, "old")
	require.NoError(t, f.commits.MarkSynced(context.Background(), old.ID))
	f.clock.Advance(48 * time.Hour)

	c := New(f.commits, nil, Config{Interval: time.Hour}, f.clock, nil, logging.Discard())
	stopped := make(chan error)
	go func() { stopped <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := f.commits.Get(context.Background(), old.ID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-stopped)
}
