package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	"github.com/kimhsiao/stocksync/backend/internal/db/dbtest"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/queue"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote/memory"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

const owner = "shop"

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.Fake
	commits  *queue.CommitLog
	entities *db.EntityRepository
	state    *db.StateRepository
	tx       *db.TxManager
	remote   *memory.Backend
	alerts   *alertRecorder
	tel      *telemetry.Recorder
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []QuotaAlert
}

func (r *alertRecorder) QuotaExceeded(_ context.Context, a QuotaAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	clk := clock.NewFake(t0)
	return &fixture{
		clock:    clk,
		commits:  queue.NewCommitLog(database.DB, clk, logging.Discard()),
		entities: db.NewEntityRepository(database.DB),
		state:    db.NewStateRepository(database.DB),
		tx:       db.NewTxManager(database.DB),
		remote:   memory.New(clk),
		alerts:   &alertRecorder{},
		tel:      telemetry.New(true),
	}
}

func (f *fixture) worker(backend remote.Backend, opts Options) *Worker {
	if backend == nil {
		backend = f.remote
	}
	return NewWorker(Deps{
		Owner:     owner,
		Commits:   f.commits,
		Local:     f.entities,
		Remote:    backend,
		Quota:     f.state,
		Tx:        f.tx,
		Alerter:   NewQuotaAlerter(24*time.Hour, f.clock, f.alerts),
		Telemetry: f.tel,
		Clock:     f.clock,
		Logger:    logging.Discard(),
	}, opts)
}

func (f *fixture) append(t *testing.T, typ models.CommitType, doc string, version int, payload models.Fields) *models.Commit {
	t.Helper()
	c, err := f.commits.Append(context.Background(), queue.AppendRequest{
		Type: typ, Collection: "items", DocID: doc, Payload: payload, Version: version, Owner: owner,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.commits.PendingCount(context.Background(), owner)
	require.NoError(t, err)
	return n
}

// flakyBackend fails the nth upsert (1-based) with err.
type flakyBackend struct {
	remote.Backend
	mu      sync.Mutex
	upserts int
	failAt  int
	err     error
}

func (b *flakyBackend) UpsertByID(ctx context.Context, collection, id string, e models.Entity) error {
	b.mu.Lock()
	b.upserts++
	n := b.upserts
	b.mu.Unlock()
	if n == b.failAt {
		return b.err
	}
	return b.Backend.UpsertByID(ctx, collection, id, e)
}

// blockingBackend holds every upsert until release is closed.
type blockingBackend struct {
	remote.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) UpsertByID(ctx context.Context, collection, id string, e models.Entity) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Backend.UpsertByID(ctx, collection, id, e)
}

// =====================================================
// Drain
// =====================================================

func TestDrain_AppliesCommitsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, models.Fields{"name": "Bolt", "stock": 10.0})
	f.append(t, models.CommitUpdate, "p1", 2, models.Fields{"stock": 7.0})
	f.append(t, models.CommitDelete, "p1", 3, nil)

	res, err := f.worker(nil, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 3, Synced: 3}, res)
	assert.Equal(t, 0, f.pending(t))

	got, ok := f.remote.Get("items", "p1")
	require.True(t, ok)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, 7.0, got.Fields["stock"])
	assert.Equal(t, "Bolt", got.Fields["name"])
	assert.True(t, got.IsDeleted)
	assert.Equal(t, int64(3), f.tel.Count(telemetry.CommitsPushed))
}

func TestDrain_RestoreClearsDeletedFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, models.Fields{"stock": 1.0})
	f.append(t, models.CommitDelete, "p1", 2, nil)
	w := f.worker(nil, Options{})
	_, err := w.Drain(ctx)
	require.NoError(t, err)

	f.append(t, models.CommitRestore, "p1", 3, models.Fields{"stock": 1.0})
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	got, _ := f.remote.Get("items", "p1")
	assert.False(t, got.IsDeleted)
	assert.Equal(t, 3, got.Version)
}

func TestDrain_QuotaAbortsPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9", "c10"} {
		f.append(t, models.CommitCreate, id, 1, models.Fields{"stock": 1.0})
	}
	backend := &flakyBackend{Backend: f.remote, failAt: 3, err: remote.QuotaExceeded("upsert", errors.New("resource exhausted"))}
	w := f.worker(backend, Options{})

	res, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.QuotaBlocked)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 8, f.pending(t))
	assert.Equal(t, 2, f.remote.Len())

	state, err := w.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.QuotaBlockedUntil)
	assert.WithinDuration(t, t0.Add(24*time.Hour), *state.QuotaBlockedUntil, time.Second)
	assert.Equal(t, 1, f.alerts.count())

	// No remote calls while the breaker is open.
	f.clock.Advance(23 * time.Hour)
	res, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipQuota, res.Skipped)
	assert.Equal(t, 3, backend.upserts)

	// Cooldown elapsed.
	f.clock.Advance(2 * time.Hour)
	res, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Synced)
	assert.Equal(t, 0, f.pending(t))
	assert.Equal(t, 10, f.remote.Len())

	state, err = w.State(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.QuotaBlockedUntil)
}

func TestDrain_QuotaBlockSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, nil)
	f.remote.FailNext(memory.OpUpsert, remote.QuotaExceeded("upsert", errors.New("quota")), 1)

	_, err := f.worker(nil, Options{}).Drain(ctx)
	require.NoError(t, err)

	restarted := f.worker(nil, Options{})
	res, err := restarted.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipQuota, res.Skipped)
	assert.Equal(t, 1, f.remote.Calls(memory.OpUpsert))
}

func TestDrain_QuotaAlertOncePerWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, nil)
	quota := remote.QuotaExceeded("upsert", errors.New("quota"))
	f.remote.FailNext(memory.OpUpsert, quota, 2)
	w := f.worker(nil, Options{QuotaCooldown: time.Hour})

	_, err := w.Drain(ctx)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	res, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.QuotaBlocked)

	assert.Equal(t, 1, f.alerts.count())
	assert.Equal(t, int64(2), f.tel.Count(telemetry.QuotaTrips))
}

func TestDrain_RetryCeilingAbandons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.append(t, models.CommitCreate, "p1", 1, nil)
	f.remote.FailNext(memory.OpUpsert, remote.Unavailable("upsert", errors.New("connection reset")), 6)
	w := f.worker(nil, Options{MaxRetries: 5})

	for i := 1; i <= 5; i++ {
		res, err := w.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed, "attempt %d", i)
	}
	res, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	got, err := f.commits.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.True(t, got.Abandoned)
	assert.Equal(t, 6, got.Retries)
	assert.Contains(t, got.LastError, "connection reset")
	assert.Equal(t, 0, f.pending(t))
	assert.Equal(t, int64(1), f.tel.Count("push.commits_abandoned{collection=items}"))
}

func TestDrain_FailedDocumentHoldsLaterCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, models.Fields{"stock": 1.0})
	f.append(t, models.CommitCreate, "p2", 1, models.Fields{"stock": 2.0})
	f.append(t, models.CommitUpdate, "p1", 2, models.Fields{"stock": 5.0})
	f.remote.FailNext(memory.OpUpsert, remote.Unavailable("upsert", errors.New("timeout")), 1)
	w := f.worker(nil, Options{})

	res, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 0, f.remote.Calls(memory.OpPatch))

	res, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	got, _ := f.remote.Get("items", "p1")
	assert.Equal(t, 5.0, got.Fields["stock"])
	assert.Equal(t, 2, got.Version)
}

func TestDrain_TierGuardSkipsRemote(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.CommitCreate, "p1", 1, nil)
	w := NewWorker(Deps{
		Owner:   owner,
		Commits: f.commits,
		Remote:  f.remote,
		Tier:    StaticTierPolicy(models.TierTrial),
		Clock:   f.clock,
		Logger:  logging.Discard(),
	}, Options{})

	res, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipTier, res.Skipped)
	assert.Equal(t, 0, f.remote.Calls(memory.OpUpsert))
	assert.Equal(t, 1, f.pending(t))
}

func TestDrain_MutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.CommitCreate, "p1", 1, nil)
	backend := &blockingBackend{Backend: f.remote, entered: make(chan struct{}, 1), release: make(chan struct{})}
	w := f.worker(backend, Options{})

	done := make(chan DrainResult)
	go func() {
		res, _ := w.Drain(context.Background())
		done <- res
	}()
	<-backend.entered
	assert.True(t, w.IsSyncing())

	res, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipBusy, res.Skipped)

	w.Trigger()
	assert.Len(t, w.trigger, 0)

	close(backend.release)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.False(t, w.IsSyncing())
}

func TestDrain_PermanentDeleteRemovesLocalSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.entities.Put(ctx, &models.Entity{ID: "p1", Collection: "items", Owner: owner, Version: 2, IsDeleted: true}))
	f.remote.Seed(models.Entity{ID: "p1", Collection: "items", Owner: owner, Version: 2, IsDeleted: true})
	f.append(t, models.CommitPermanentDelete, "p1", 3, nil)

	res, err := f.worker(nil, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	_, err = f.entities.Get(ctx, "items", "p1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, 0, f.remote.Len())
}

func TestDrain_DeleteOfMissingRemoteSucceeds(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.CommitDelete, "ghost", 2, nil)

	res, err := f.worker(nil, Options{}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, f.pending(t))
}

func TestDrain_RestoreRecreatesMissingRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, models.CommitCreate, "p1", 1, models.Fields{"stock": 4.0})
	f.append(t, models.CommitPermanentDelete, "p1", 2, nil)
	f.append(t, models.CommitRestore, "p1", 3, models.Fields{"stock": 4.0, "name": "Bolt"})

	res, err := f.worker(nil, Options{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 0, f.pending(t))

	got, ok := f.remote.Get("items", "p1")
	require.True(t, ok)
	assert.False(t, got.IsDeleted)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, models.Fields{"stock": 4.0, "name": "Bolt"}, got.Fields)
	assert.Equal(t, 2, f.remote.Calls(memory.OpUpsert))
}

func TestDrain_CancelledBetweenCommits(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.CommitCreate, "p1", 1, nil)
	f.append(t, models.CommitCreate, "p2", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var drained DrainResult
	w := f.worker(nil, Options{InterCommitDelay: time.Hour})
	w.deps.OnDrained = func(r DrainResult) { drained = r }

	go func() {
		for f.remote.Len() < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	_, err := w.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, drained.Synced)
	assert.Equal(t, 1, f.pending(t))
}

// =====================================================
// Run loop
// =====================================================

func TestRun_TriggerStartsDrain(t *testing.T) {
	f := newFixture(t)
	f.append(t, models.CommitCreate, "p1", 1, nil)
	w := f.worker(nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error)
	go func() { stopped <- w.Run(ctx) }()

	w.Trigger()
	require.Eventually(t, func() bool {
		n, err := f.commits.PendingCount(context.Background(), owner)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-stopped)
}
