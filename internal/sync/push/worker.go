// Package push drains the commit log to the remote backend.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

// CommitStore is the part of the commit log the worker drives.
type CommitStore interface {
	ListUnsynced(ctx context.Context, owner string) ([]models.Commit, error)
	MarkSynced(ctx context.Context, id string) error
	MarkAbandoned(ctx context.Context, id, lastErr string) error
	IncrementRetries(ctx context.Context, id, lastErr string) (int, error)
}

// LocalStore is used to finish permanent deletions locally.
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (*models.Entity, error)
	Delete(ctx context.Context, collection, id string) error
}

// SkipReason explains why a drain did not run.
type SkipReason string

const (
	SkipBusy  SkipReason = "busy"
	SkipTier  SkipReason = "tier"
	SkipQuota SkipReason = "quota"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted    int        `json:"attempted"`
	Synced       int        `json:"synced"`
	Failed       int        `json:"failed"`
	Abandoned    int        `json:"abandoned"`
	Deferred     int        `json:"deferred"`
	QuotaBlocked bool       `json:"quotaBlocked"`
	Skipped      SkipReason `json:"skipped,omitempty"`
}

// Options tunes the worker.
type Options struct {
	Interval         time.Duration
	InterCommitDelay time.Duration
	MaxRetries       int
	QuotaCooldown    time.Duration
}

// OptionsFromConfig maps the push configuration section onto Options.
func OptionsFromConfig(cfg config.PushConfig) Options {
	return Options{
		Interval:         cfg.Interval,
		InterCommitDelay: cfg.InterCommitDelay,
		MaxRetries:       cfg.MaxRetries,
		QuotaCooldown:    cfg.QuotaCooldown,
	}
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.QuotaCooldown <= 0 {
		o.QuotaCooldown = 24 * time.Hour
	}
}

// Deps are the collaborators of a Worker. Owner, Commits and Remote are required.
type Deps struct {
	Owner     string
	Commits   CommitStore
	Local     LocalStore
	Remote    remote.Backend
	Quota     db.QuotaStore
	Tier      TierPolicy
	Tx        db.Transactor
	Alerter   *QuotaAlerter
	Telemetry *telemetry.Recorder
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnDrained is called after every pass that was not skipped as busy.
	OnDrained func(DrainResult)
}

// Worker drains one owner's commit log in FIFO order. Drains are mutually
// exclusive; Trigger while a drain is running does nothing.
type Worker struct {
	deps Deps
	opts Options

	isSyncing atomic.Bool
	trigger   chan struct{}

	mu         sync.Mutex
	quotaUntil *time.Time
	quotaReady bool
}

// NewWorker creates a Worker.
func NewWorker(deps Deps, opts Options) *Worker {
	opts.applyDefaults()
	deps.Clock = clock.OrSystem(deps.Clock)
	deps.Logger = logging.Component(deps.Logger, "push").With("owner", deps.Owner)
	if deps.Tier == nil {
		deps.Tier = StaticTierPolicy(models.TierActive)
	}
	if deps.Alerter == nil {
		deps.Alerter = NewQuotaAlerter(opts.QuotaCooldown, deps.Clock, LogAlertSink{Logger: deps.Logger})
	}
	return &Worker{
		deps:    deps,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks Run to drain soon. It never blocks.
func (w *Worker) Trigger() {
	if w.isSyncing.Load() {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// IsSyncing reports whether a drain is in progress.
func (w *Worker) IsSyncing() bool {
	return w.isSyncing.Load()
}

// State returns the worker's PushState.
func (w *Worker) State(ctx context.Context) (models.PushState, error) {
	until, err := w.quotaBlockedUntil(ctx)
	if err != nil {
		return models.PushState{}, err
	}
	return models.PushState{IsSyncing: w.isSyncing.Load(), QuotaBlockedUntil: until}, nil
}

// Run drains on every tick and trigger until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.deps.Logger.Info("push worker started", "interval", w.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			w.deps.Logger.Info("push worker stopped")
			return nil
		case <-ticker.C:
		case <-w.trigger:
		}

		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.deps.Logger.Error("drain failed", logging.Err(err))
			w.deps.Telemetry.TrackError(err)
		}
	}
}

// Drain runs one pass over the unsynced commits.
func (w *Worker) Drain(ctx context.Context) (DrainResult, error) {
	if !w.isSyncing.CompareAndSwap(false, true) {
		return DrainResult{Skipped: SkipBusy}, nil
	}
	defer w.isSyncing.Store(false)

	start := w.deps.Clock.Now()
	result, err := w.drain(ctx)
	w.deps.Telemetry.RecordTiming("push.drain", w.deps.Clock.Now().Sub(start))

	if result.Attempted > 0 || result.Skipped != "" {
		w.deps.Logger.Info("drain finished",
			"attempted", result.Attempted,
			"synced", result.Synced,
			"failed", result.Failed,
			"abandoned", result.Abandoned,
			"deferred", result.Deferred,
			"quota_blocked", result.QuotaBlocked,
			"skipped", result.Skipped,
		)
	}
	if w.deps.OnDrained != nil {
		w.deps.OnDrained(result)
	}
	return result, err
}

func (w *Worker) drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	tier, err := w.deps.Tier.Tier(ctx, w.deps.Owner)
	if err != nil {
		return result, fmt.Errorf("resolve account tier: %w", err)
	}
	if !tier.AllowsRemoteSync() {
		result.Skipped = SkipTier
		return result, nil
	}

	blocked, err := w.quotaBlocked(ctx)
	if err != nil {
		return result, err
	}
	if blocked {
		result.Skipped = SkipQuota
		result.QuotaBlocked = true
		return result, nil
	}

	commits, err := w.deps.Commits.ListUnsynced(ctx, w.deps.Owner)
	if err != nil {
		return result, err
	}

	// A document whose commit failed this pass keeps its later commits queued.
	held := make(map[models.DocKey]struct{})

	for _, c := range commits {
		if _, ok := held[c.Key()]; ok {
			result.Deferred++
			continue
		}
		if result.Attempted > 0 {
			if err := w.pause(ctx); err != nil {
				return result, err
			}
		}

		result.Attempted++
		applyErr := w.apply(ctx, c)
		if applyErr == nil {
			if err := w.complete(ctx, c); err != nil {
				return result, err
			}
			result.Synced++
			w.deps.Telemetry.RecordCount(telemetry.CommitsPushed, 1, nil)
			continue
		}

		if apperrors.IsQuota(applyErr) {
			if err := w.tripBreaker(ctx, applyErr); err != nil {
				return result, err
			}
			result.QuotaBlocked = true
			return result, nil
		}

		abandoned, err := w.recordFailure(ctx, c, applyErr)
		if err != nil {
			return result, err
		}
		if abandoned {
			result.Abandoned++
			continue
		}
		result.Failed++
		held[c.Key()] = struct{}{}
	}
	return result, nil
}

// apply translates a commit into one remote call.
func (w *Worker) apply(ctx context.Context, c models.Commit) error {
	switch c.Type {
	case models.CommitCreate:
		return w.deps.Remote.UpsertByID(ctx, c.Collection, c.DocID, models.Entity{
			ID:         c.DocID,
			Collection: c.Collection,
			Owner:      c.Owner,
			Fields:     c.Payload.Clone(),
			Version:    c.Version,
		})
	case models.CommitUpdate:
		return w.deps.Remote.PatchByID(ctx, c.Collection, c.DocID, remote.Patch{
			Owner:   c.Owner,
			Fields:  c.Payload,
			Version: c.Version,
		})
	case models.CommitDelete:
		err := w.deps.Remote.PatchByID(ctx, c.Collection, c.DocID, remote.Patch{
			Owner:     c.Owner,
			Version:   c.Version,
			IsDeleted: remote.Bool(true),
		})
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	case models.CommitRestore:
		err := w.deps.Remote.PatchByID(ctx, c.Collection, c.DocID, remote.Patch{
			Owner:     c.Owner,
			Fields:    c.Payload,
			Version:   c.Version,
			IsDeleted: remote.Bool(false),
		})
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		// The remote copy is gone. A restore carries the full field set, so
		// recreate it.
		w.deps.Logger.Info("restore target missing remotely, recreating", "doc", c.Key().String(), "commit_id", c.ID)
		return w.deps.Remote.UpsertByID(ctx, c.Collection, c.DocID, models.Entity{
			ID:         c.DocID,
			Collection: c.Collection,
			Owner:      c.Owner,
			Fields:     c.Payload.Clone(),
			Version:    c.Version,
		})
	case models.CommitPermanentDelete:
		return w.deps.Remote.DeleteByID(ctx, c.Collection, c.DocID)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown commit type %q", c.Type)
	}
}

// complete marks the commit synced. A permanent delete also removes the local
// snapshot in the same transaction, unless it was recreated meanwhile.
func (w *Worker) complete(ctx context.Context, c models.Commit) error {
	if c.Type != models.CommitPermanentDelete || w.deps.Local == nil {
		return w.deps.Commits.MarkSynced(ctx, c.ID)
	}

	return w.runInTx(ctx, func(ctx context.Context) error {
		local, err := w.deps.Local.Get(ctx, c.Collection, c.DocID)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
		case err != nil:
			return err
		case local.IsDeleted:
			if err := w.deps.Local.Delete(ctx, c.Collection, c.DocID); err != nil {
				return err
			}
		}
		return w.deps.Commits.MarkSynced(ctx, c.ID)
	})
}

// recordFailure bumps the retry counter and abandons the commit past the ceiling.
func (w *Worker) recordFailure(ctx context.Context, c models.Commit, applyErr error) (bool, error) {
	retries, err := w.deps.Commits.IncrementRetries(ctx, c.ID, applyErr.Error())
	if err != nil {
		return false, err
	}
	w.deps.Telemetry.RecordCount(telemetry.CommitsRetried, 1, nil)

	if retries <= w.opts.MaxRetries {
		w.deps.Logger.Warn("commit push failed, will retry",
			"commit_id", c.ID, "retries", retries, logging.Err(applyErr))
		return false, nil
	}

	if err := w.deps.Commits.MarkAbandoned(ctx, c.ID, applyErr.Error()); err != nil {
		return false, err
	}
	w.deps.Logger.Error("commit abandoned after retry ceiling",
		"commit_id", c.ID, "type", c.Type, "doc", c.Key().String(), "retries", retries, logging.Err(applyErr))
	w.deps.Telemetry.RecordCount(telemetry.CommitsAbandoned, 1, map[string]string{"collection": c.Collection})
	w.deps.Telemetry.TrackError(applyErr)
	return true, nil
}

// tripBreaker suspends pushes for the cooldown and raises a deduplicated alert.
func (w *Worker) tripBreaker(ctx context.Context, cause error) error {
	now := w.deps.Clock.Now()
	until := now.Add(w.opts.QuotaCooldown)

	if w.deps.Quota != nil {
		if err := w.deps.Quota.SetQuotaBlockedUntil(ctx, w.deps.Owner, &until); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.quotaUntil = &until
	w.quotaReady = true
	w.mu.Unlock()

	w.deps.Logger.Warn("remote quota exhausted", "blocked_until", until, logging.Err(cause))
	w.deps.Telemetry.RecordCount(telemetry.QuotaTrips, 1, nil)
	w.deps.Alerter.Alert(ctx, QuotaAlert{
		Owner:        w.deps.Owner,
		DetectedAt:   now,
		BlockedUntil: until,
		Reason:       cause.Error(),
	})
	return nil
}

// quotaBlocked reports whether the breaker is open, clearing an expired one.
func (w *Worker) quotaBlocked(ctx context.Context) (bool, error) {
	until, err := w.quotaBlockedUntil(ctx)
	if err != nil || until == nil {
		return false, err
	}
	state := models.PushState{QuotaBlockedUntil: until}
	if state.QuotaBlocked(w.deps.Clock.Now()) {
		return true, nil
	}

	if w.deps.Quota != nil {
		if err := w.deps.Quota.SetQuotaBlockedUntil(ctx, w.deps.Owner, nil); err != nil {
			return false, err
		}
	}
	w.mu.Lock()
	w.quotaUntil = nil
	w.mu.Unlock()
	w.deps.Logger.Info("quota cooldown elapsed, push resumed")
	return false, nil
}

// quotaBlockedUntil loads the persisted breaker on first use.
func (w *Worker) quotaBlockedUntil(ctx context.Context) (*time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.quotaReady && w.deps.Quota != nil {
		until, err := w.deps.Quota.GetQuotaBlockedUntil(ctx, w.deps.Owner)
		if err != nil {
			return nil, err
		}
		w.quotaUntil = until
	}
	w.quotaReady = true
	if w.quotaUntil == nil {
		return nil, nil
	}
	t := *w.quotaUntil
	return &t, nil
}

// pause waits the inter-commit delay or until ctx is done.
func (w *Worker) pause(ctx context.Context) error {
	if w.opts.InterCommitDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(w.opts.InterCommitDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.deps.Tx == nil {
		return fn(ctx)
	}
	return w.deps.Tx.RunInTx(ctx, fn)
}
