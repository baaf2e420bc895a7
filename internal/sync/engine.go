package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/compactor"
	"github.com/kimhsiao/stocksync/backend/internal/sync/pull"
	"github.com/kimhsiao/stocksync/backend/internal/sync/push"
	"github.com/kimhsiao/stocksync/backend/internal/sync/queue"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
	"github.com/kimhsiao/stocksync/backend/internal/uuid"
)

// Mutation is a caller-requested change to one document.
type Mutation struct {
	Type       models.CommitType `json:"type"`
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Payload    models.Fields     `json:"payload,omitempty"`
	Owner      string            `json:"owner,omitempty"`
}

// LocalApplyResult is the local outcome of a mutation.
type LocalApplyResult struct {
	Entity    models.Entity `json:"entity"`
	CommitID  string        `json:"commitId"`
	Collapsed bool          `json:"collapsed"` // a pending delete was rewritten into this restore
}

// QueryOptions narrows QueryLocal.
type QueryOptions struct {
	Collection     string `json:"collection,omitempty"`
	ExcludeDeleted bool   `json:"excludeDeleted"`
}

// Deps are the external collaborators of an Engine. DB and Remote are required.
type Deps struct {
	DB         *db.DB
	Remote     remote.Backend
	Tier       push.TierPolicy
	AlertSinks []push.AlertSink
	MergeHooks []pull.MergeHook
	Telemetry  *telemetry.Recorder
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Engine is the sync engine for one owner session.
type Engine struct {
	owner  string
	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger
	tel    *telemetry.Recorder

	tx        *db.TxManager
	entities  *db.EntityRepository
	state     *db.StateRepository
	conflicts *db.ConflictRepository
	commits   *queue.CommitLog

	pusher    *push.Worker
	puller    *pull.Service
	compactor *compactor.Compactor

	handlerMu stdsync.RWMutex
	handler   EventHandler
}

// NewEngine wires an Engine for cfg.Account.Owner.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "config is required")
	}
	if deps.DB == nil || deps.Remote == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "engine requires a local database and a remote backend")
	}
	owner := strings.TrimSpace(cfg.Account.Owner)
	if owner == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "account owner is required")
	}

	clk := clock.OrSystem(deps.Clock)
	logger := logging.OrDefault(deps.Logger)
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.New(cfg.Telemetry.Enabled)
	}
	tier := deps.Tier
	if tier == nil {
		tier = push.StaticTierPolicy(models.AccountTier(cfg.Account.Tier))
	}
	backend := deps.Remote
	if cfg.Remote.CallTimeout > 0 {
		backend = remote.WithTimeout(backend, cfg.Remote.CallTimeout)
	}

	e := &Engine{
		owner:     owner,
		cfg:       cfg,
		clock:     clk,
		logger:    logging.Component(logger, "engine").With("owner", owner),
		tel:       tel,
		tx:        db.NewTxManager(deps.DB.DB),
		entities:  db.NewEntityRepository(deps.DB.DB),
		state:     db.NewStateRepository(deps.DB.DB),
		conflicts: db.NewConflictRepository(deps.DB.DB),
		commits:   queue.NewCommitLog(deps.DB.DB, clk, logger),
	}

	sinks := append([]push.AlertSink{push.LogAlertSink{Logger: logger}}, deps.AlertSinks...)
	sinks = append(sinks, push.AlertSinkFunc(func(_ context.Context, alert push.QuotaAlert) {
		e.emit(EventQuotaBlocked, alert)
	}))

	e.pusher = push.NewWorker(push.Deps{
		Owner:     owner,
		Commits:   e.commits,
		Local:     e.entities,
		Remote:    backend,
		Quota:     e.state,
		Tier:      tier,
		Tx:        e.tx,
		Alerter:   push.NewQuotaAlerter(cfg.Push.AlertWindow, clk, sinks...),
		Telemetry: tel,
		Clock:     clk,
		Logger:    logger,
		OnDrained: func(r push.DrainResult) {
			if r.Attempted > 0 {
				e.emit(EventDrainCompleted, r)
			}
		},
	}, push.OptionsFromConfig(cfg.Push))

	hooks := append([]pull.MergeHook(nil), deps.MergeHooks...)
	if cfg.Notify.LowStockEnabled {
		hooks = append(hooks, pull.NewLowStockNotifier(cfg.Notify, logger,
			pull.LowStockSinkFunc(func(_ context.Context, ev pull.LowStockEvent) {
				e.emit(EventLowStock, ev)
			})))
	}

	e.puller = pull.NewService(pull.Deps{
		Owner:     owner,
		Remote:    backend,
		Local:     e.entities,
		Pending:   e.commits,
		Cursor:    e.state,
		Conflicts: e.conflicts,
		Tx:        e.tx,
		Hooks:     hooks,
		Telemetry: tel,
		Clock:     clk,
		Logger:    logger,
		OnPulled: func(r pull.Result) {
			if r.Merged > 0 {
				e.emit(EventPullCompleted, r)
			}
		},
	}, pull.OptionsFromConfig(cfg.Pull))

	e.compactor = compactor.New(e.commits, e.conflicts, compactor.ConfigFrom(cfg.Compactor), clk, tel, logger)

	return e, nil
}

// Owner returns the owner this engine serves.
func (e *Engine) Owner() string {
	return e.owner
}

// SetEventHandler sets the handler for engine notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

func (e *Engine) emit(t EventType, data any) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h != nil {
		h.HandleEvent(Event{Type: t, Owner: e.owner, Time: e.clock.Now(), Data: data})
	}
}

// EnqueueMutation writes the new snapshot and its commit in one local
// transaction, then nudges the push worker and the pull timer.
func (e *Engine) EnqueueMutation(ctx context.Context, m Mutation) (*LocalApplyResult, error) {
	if err := e.normalize(&m); err != nil {
		return nil, err
	}

	var result LocalApplyResult
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := e.entities.Get(ctx, m.Collection, m.ID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err != nil {
			existing = nil
		}
		if existing != nil && existing.Owner != e.owner {
			return apperrors.Newf(apperrors.ErrValidation, "%s/%s belongs to another owner", m.Collection, m.ID)
		}
		if m.Type == models.CommitRestore && existing != nil {
			purging, err := e.commits.HasPending(ctx, m.Collection, m.ID, models.CommitPermanentDelete)
			if err != nil {
				return err
			}
			if purging {
				return apperrors.Newf(apperrors.ErrInvalid, "%s/%s is being permanently deleted", m.Collection, m.ID)
			}
		}

		entity, commitPayload, err := applyMutation(existing, m)
		if err != nil {
			return err
		}
		entity.Touch(e.clock.Now())

		if err := e.entities.Put(ctx, &entity); err != nil {
			return err
		}

		req := queue.AppendRequest{
			Type:       m.Type,
			Collection: m.Collection,
			DocID:      m.ID,
			Payload:    commitPayload,
			Version:    entity.Version,
			Owner:      e.owner,
		}
		var commit *models.Commit
		if m.Type == models.CommitRestore {
			commit, result.Collapsed, err = e.commits.CollapseDeleteIntoRestore(ctx, req)
		} else {
			commit, err = e.commits.Append(ctx, req)
		}
		if err != nil {
			return err
		}

		result.Entity = entity
		result.CommitID = commit.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("mutation applied locally",
		"type", m.Type, "doc", m.Collection+"/"+m.ID, "version", result.Entity.Version, "commit_id", result.CommitID)
	e.pusher.Trigger()
	e.puller.OnUserActivity()
	e.emit(EventMutationApplied, result)
	return &result, nil
}

// normalize validates m and fills the owner and a generated id for creates.
func (e *Engine) normalize(m *Mutation) error {
	if !m.Type.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown mutation type %q", m.Type)
	}
	m.Collection = strings.TrimSpace(m.Collection)
	if m.Collection == "" {
		return apperrors.New(apperrors.ErrValidation, "collection is required")
	}
	if m.Owner == "" {
		m.Owner = e.owner
	}
	if m.Owner != e.owner {
		return apperrors.Newf(apperrors.ErrValidation, "engine serves owner %q, not %q", e.owner, m.Owner)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		if m.Type != models.CommitCreate {
			return apperrors.Newf(apperrors.ErrValidation, "%s requires an id", m.Type)
		}
		m.ID = uuid.New()
	}
	return nil
}

// applyMutation computes the next snapshot (before Touch) and the commit payload.
func applyMutation(existing *models.Entity, m Mutation) (models.Entity, models.Fields, error) {
	if existing == nil && m.Type != models.CommitCreate {
		return models.Entity{}, nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", m.Collection, m.ID)
	}

	switch m.Type {
	case models.CommitCreate:
		next := models.Entity{ID: m.ID, Collection: m.Collection, Owner: m.Owner, Fields: m.Payload.Clone()}
		if existing != nil {
			if !existing.IsDeleted {
				return models.Entity{}, nil, apperrors.Newf(apperrors.ErrInvalid, "%s/%s already exists", m.Collection, m.ID)
			}
			next.Version = existing.Version
		}
		return next, next.Fields.Clone(), nil

	case models.CommitUpdate:
		if existing.IsDeleted {
			return models.Entity{}, nil, apperrors.Newf(apperrors.ErrInvalid, "%s/%s is deleted", m.Collection, m.ID)
		}
		next := existing.Clone()
		for k, v := range m.Payload {
			next.Fields[k] = v
		}
		return next, m.Payload.Clone(), nil

	case models.CommitDelete:
		if existing.IsDeleted {
			return models.Entity{}, nil, apperrors.Newf(apperrors.ErrInvalid, "%s/%s is already deleted", m.Collection, m.ID)
		}
		next := existing.Clone()
		next.IsDeleted = true
		return next, nil, nil

	case models.CommitRestore:
		if !existing.IsDeleted {
			return models.Entity{}, nil, apperrors.Newf(apperrors.ErrInvalid, "%s/%s is not deleted", m.Collection, m.ID)
		}
		next := existing.Clone()
		for k, v := range m.Payload {
			next.Fields[k] = v
		}
		next.IsDeleted = false
		return next, next.Fields.Clone(), nil

	case models.CommitPermanentDelete:
		next := existing.Clone()
		next.IsDeleted = true
		return next, nil, nil
	}
	return models.Entity{}, nil, apperrors.Newf(apperrors.ErrValidation, "unknown mutation type %q", m.Type)
}

// QueryLocal lists the owner's local snapshots.
func (e *Engine) QueryLocal(ctx context.Context, opts QueryOptions) ([]models.Entity, error) {
	return e.entities.ListByOwner(ctx, e.owner, db.ListOptions{
		Collection:     opts.Collection,
		ExcludeDeleted: opts.ExcludeDeleted,
	})
}

// GetLocal returns one of the owner's local snapshots.
func (e *Engine) GetLocal(ctx context.Context, collection, id string) (*models.Entity, error) {
	entity, err := e.entities.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if entity.Owner != e.owner {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", collection, id)
	}
	return entity, nil
}

// NotifyActivity resets the pull interval to its minimum.
func (e *Engine) NotifyActivity() {
	e.puller.OnUserActivity()
}

// TriggerPush schedules a push pass without waiting.
func (e *Engine) TriggerPush() {
	e.pusher.Trigger()
}

// SyncHealth summarizes sync progress.
func (e *Engine) SyncHealth(ctx context.Context) (models.SyncHealth, error) {
	stats, err := e.commits.Stats(ctx, e.owner)
	if err != nil {
		return models.SyncHealth{}, err
	}
	state, err := e.pusher.State(ctx)
	if err != nil {
		return models.SyncHealth{}, err
	}
	cursor, err := e.puller.Cursor(ctx)
	if err != nil {
		return models.SyncHealth{}, err
	}

	return models.SyncHealth{
		Owner:             e.owner,
		PendingCount:      stats.Pending,
		IsSyncing:         state.IsSyncing,
		QuotaBlocked:      state.QuotaBlocked(e.clock.Now()),
		QuotaBlockedUntil: state.QuotaBlockedUntil,
		AbandonedCount:    stats.Abandoned,
		LastPullTime:      cursor.LastPullTime,
		PullInterval:      e.puller.Interval(),
	}, nil
}

// DrainNow runs one push pass.
func (e *Engine) DrainNow(ctx context.Context) (push.DrainResult, error) {
	return e.pusher.Drain(ctx)
}

// PullNow runs one pull cycle.
func (e *Engine) PullNow(ctx context.Context) (pull.Result, error) {
	return e.puller.PullOnce(ctx)
}

// CompactNow runs one compaction sweep.
func (e *Engine) CompactNow(ctx context.Context) (compactor.Result, error) {
	return e.compactor.Compact(ctx)
}

// ConflictLogs returns recent skipped remote snapshots.
func (e *Engine) ConflictLogs(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	return e.conflicts.ListConflictLogs(ctx, e.owner, limit)
}

// AbandonedCommits returns commits given up after the retry ceiling.
func (e *Engine) AbandonedCommits(ctx context.Context, limit int) ([]models.Commit, error) {
	return e.commits.ListAbandoned(ctx, e.owner, limit)
}

// CommitStats returns pending, synced and abandoned counts.
func (e *Engine) CommitStats(ctx context.Context) (queue.Stats, error) {
	return e.commits.Stats(ctx, e.owner)
}

// Telemetry returns the in-process counters.
func (e *Engine) Telemetry() telemetry.Snapshot {
	return e.tel.Snapshot()
}

// Run drives the push worker, pull service and compactor until ctx is
// cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pusher.Run(ctx) })
	g.Go(func() error { return e.puller.Run(ctx) })
	g.Go(func() error { return e.compactor.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}
	e.logger.Info("sync engine stopped")
	return nil
}
