// Package pull merges remote changes into the local store on an adaptive timer.
package pull

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/conflict"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

// LocalStore is the part of the local durable store the service writes.
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (*models.Entity, error)
	Put(ctx context.Context, e *models.Entity) error
}

// PendingSource reports documents with unsynced local commits.
type PendingSource interface {
	PendingKeys(ctx context.Context, owner string) (map[models.DocKey]struct{}, error)
}

// ConflictRecorder stores skipped snapshots for diagnostics.
type ConflictRecorder interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// Options tunes the service.
type Options struct {
	Collections    []string
	MinInterval    time.Duration
	MaxInterval    time.Duration
	Step           time.Duration
	EmptyThreshold int
	// Overlap re-reads this much history before the cursor so that writes
	// sharing the cursor's server timestamp are not missed.
	Overlap time.Duration
}

// OptionsFromConfig maps the pull configuration section onto Options.
func OptionsFromConfig(cfg config.PullConfig) Options {
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = config.ParseCollections(cfg.CollectionsRaw)
	}
	return Options{
		Collections:    collections,
		MinInterval:    cfg.MinInterval,
		MaxInterval:    cfg.MaxInterval,
		Step:           cfg.Step,
		EmptyThreshold: cfg.EmptyThreshold,
	}
}

func (o *Options) applyDefaults() {
	if len(o.Collections) == 0 {
		o.Collections = []string{"items"}
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 2 * time.Minute
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval
	}
	if o.Step <= 0 {
		o.Step = 10 * time.Minute
	}
	if o.EmptyThreshold <= 0 {
		o.EmptyThreshold = 1
	}
	if o.Overlap <= 0 {
		o.Overlap = 2 * time.Second
	}
}

// Deps are the collaborators of a Service. Owner, Remote, Local and Pending are required.
type Deps struct {
	Owner     string
	Remote    remote.Backend
	Local     LocalStore
	Pending   PendingSource
	Cursor    db.CursorStore
	Conflicts ConflictRecorder
	Tx        db.Transactor
	Resolver  *conflict.Resolver
	Hooks     []MergeHook
	Telemetry *telemetry.Recorder
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnPulled is called after every successful cycle.
	OnPulled func(Result)
}

// Result summarizes one pull cycle.
type Result struct {
	Fetched        int           `json:"fetched"`
	Merged         int           `json:"merged"`
	SkippedPending int           `json:"skippedPending"`
	SkippedNewer   int           `json:"skippedNewer"`
	Unchanged      int           `json:"unchanged"`
	IgnoredDeleted int           `json:"ignoredDeleted"`
	Cursor         int64         `json:"cursor"`
	NextInterval   time.Duration `json:"nextInterval"`
}

// Service pulls remote changes for one owner.
type Service struct {
	deps Deps
	opts Options

	cycleMu sync.Mutex

	mu          sync.Mutex
	cursor      models.PullCursor
	loaded      bool
	activity    bool
	activityGen uint64

	wake chan struct{}
}

// NewService creates a Service.
func NewService(deps Deps, opts Options) *Service {
	opts.applyDefaults()
	deps.Clock = clock.OrSystem(deps.Clock)
	deps.Logger = logging.Component(deps.Logger, "pull").With("owner", deps.Owner)
	if deps.Resolver == nil {
		deps.Resolver = conflict.NewResolver(deps.Clock)
	}
	return &Service{
		deps: deps,
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

// OnUserActivity resets the poll interval to the minimum and wakes Run so the
// next pull happens no later than one minimum interval from now.
func (s *Service) OnUserActivity() {
	s.mu.Lock()
	s.activityGen++
	if s.loaded {
		s.cursor.Interval = s.opts.MinInterval
		s.cursor.NoChangeStreak = 0
	} else {
		s.activity = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cursor returns the current cursor, loading it if needed.
func (s *Service) Cursor(ctx context.Context) (models.PullCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return models.PullCursor{}, err
	}
	return s.cursor, nil
}

// Interval returns the delay before the next scheduled pull.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.cursor.Interval <= 0 {
		return s.opts.MinInterval
	}
	return s.cursor.Interval
}

// Run pulls immediately, then reschedules itself after every cycle using the
// interval current at that moment.
func (s *Service) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	var nextAt time.Time

	s.deps.Logger.Info("pull service started", "collections", s.opts.Collections)
	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("pull service stopped")
			return nil
		case <-s.wake:
			d := s.Interval()
			if time.Until(nextAt) > d {
				timer.Stop()
				timer.Reset(d)
				nextAt = time.Now().Add(d)
			}
			continue
		case <-timer.C:
		}

		if _, err := s.PullOnce(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.Warn("pull cycle failed", logging.Err(err))
			s.deps.Telemetry.TrackError(err)
		}

		d := s.Interval()
		timer.Reset(d)
		nextAt = time.Now().Add(d)
	}
}

// PullOnce runs one cycle over every configured collection. On error the
// cursor is left where it was, so the next cycle re-reads the same window.
func (s *Service) PullOnce(ctx context.Context) (Result, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cursor, err := s.Cursor(ctx)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	gen := s.activityGen
	s.mu.Unlock()

	since := cursor.LastPullTime
	if since > 0 {
		since -= s.opts.Overlap.Milliseconds()
		if since < 0 {
			since = 0
		}
	}

	var (
		result  = Result{Cursor: cursor.LastPullTime}
		changes []change
	)
	for _, collection := range s.opts.Collections {
		entities, err := s.deps.Remote.QueryByOwnerSince(ctx, collection, s.deps.Owner, since)
		if err != nil {
			return Result{}, err
		}
		result.Fetched += len(entities)
		for _, e := range entities {
			if e.UpdatedAt > result.Cursor {
				result.Cursor = e.UpdatedAt
			}
		}

		applied, err := s.merge(ctx, entities, &result)
		if err != nil {
			return Result{}, err
		}
		changes = append(changes, applied...)
	}

	s.mu.Lock()
	s.cursor.LastPullTime = result.Cursor
	s.cursor = nextCursor(s.cursor, result.Merged, s.opts)
	if s.activityGen != gen {
		s.cursor.Interval = s.opts.MinInterval
		s.cursor.NoChangeStreak = 0
	}
	result.NextInterval = s.cursor.Interval
	saved := s.cursor
	s.mu.Unlock()

	if s.deps.Cursor != nil {
		if err := s.deps.Cursor.SavePullCursor(ctx, saved); err != nil {
			return result, err
		}
	}

	for _, c := range changes {
		for _, h := range s.deps.Hooks {
			h.Merged(ctx, c.before, c.after)
		}
	}

	s.deps.Telemetry.RecordCount(telemetry.EntitiesMerged, result.Merged, nil)
	if result.Fetched > 0 {
		s.deps.Logger.Info("pull cycle finished",
			"fetched", result.Fetched,
			"merged", result.Merged,
			"skipped_pending", result.SkippedPending,
			"skipped_newer", result.SkippedNewer,
			"next_interval", result.NextInterval,
		)
	}
	if s.deps.OnPulled != nil {
		s.deps.OnPulled(result)
	}
	return result, nil
}

type change struct {
	before *models.Entity
	after  models.Entity
}

// merge applies one collection's snapshots in a single local transaction so
// the pending check and the write cannot interleave with a local mutation.
func (s *Service) merge(ctx context.Context, entities []models.Entity, result *Result) ([]change, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	var changes []change
	tally := *result
	err := s.runInTx(ctx, func(ctx context.Context) error {
		changes = changes[:0]
		tally = *result

		pending, err := s.deps.Pending.PendingKeys(ctx, s.deps.Owner)
		if err != nil {
			return err
		}

		for i := range entities {
			remoteEntity := entities[i]
			local, err := s.deps.Local.Get(ctx, remoteEntity.Collection, remoteEntity.ID)
			if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			if err != nil {
				local = nil
			}

			_, isPending := pending[remoteEntity.Key()]
			decision, err := s.deps.Resolver.Decide(conflict.Candidate{Remote: &remoteEntity, Local: local, Pending: isPending})
			if err != nil {
				return err
			}

			switch decision.Action {
			case conflict.ActionApply:
				if err := s.deps.Local.Put(ctx, &remoteEntity); err != nil {
					return err
				}
				tally.Merged++
				changes = append(changes, change{before: local, after: remoteEntity})
			case conflict.ActionSkipPending:
				tally.SkippedPending++
			case conflict.ActionSkipLocalNewer:
				tally.SkippedNewer++
			case conflict.ActionUnchanged:
				tally.Unchanged++
			case conflict.ActionIgnoreDeleted:
				tally.IgnoredDeleted++
			}

			if decision.ConflictLog != nil {
				s.deps.Logger.Debug("remote snapshot skipped",
					"doc", remoteEntity.Key().String(), "resolution", decision.ConflictLog.Resolution)
				s.deps.Telemetry.RecordCount(telemetry.EntitiesSkipped, 1, map[string]string{"reason": decision.ConflictLog.Resolution})
				if s.deps.Conflicts != nil {
					if err := s.deps.Conflicts.CreateConflictLog(ctx, decision.ConflictLog); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	*result = tally
	return changes, nil
}

// nextCursor applies the adaptive interval rule.
func nextCursor(c models.PullCursor, merged int, opts Options) models.PullCursor {
	if c.Interval <= 0 {
		c.Interval = opts.MinInterval
	}
	if merged > 0 {
		c.Interval = opts.MinInterval
		c.NoChangeStreak = 0
		return c
	}

	c.NoChangeStreak++
	if c.NoChangeStreak >= opts.EmptyThreshold {
		c.Interval += opts.Step
		if c.Interval > opts.MaxInterval {
			c.Interval = opts.MaxInterval
		}
		c.NoChangeStreak = 0
	}
	return c
}

// loadLocked reads the persisted cursor once. Caller holds s.mu.
func (s *Service) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	cursor := models.PullCursor{Owner: s.deps.Owner, Interval: s.opts.MinInterval}
	if s.deps.Cursor != nil {
		stored, ok, err := s.deps.Cursor.GetPullCursor(ctx, s.deps.Owner)
		if err != nil {
			return err
		}
		if ok {
			cursor = stored
		}
	}
	if cursor.Interval < s.opts.MinInterval || cursor.Interval > s.opts.MaxInterval {
		cursor.Interval = s.opts.MinInterval
	}
	if s.activity {
		cursor.Interval = s.opts.MinInterval
		cursor.NoChangeStreak = 0
		s.activity = false
	}
	s.cursor = cursor
	s.loaded = true
	return nil
}

func (s *Service) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.deps.Tx == nil {
		return fn(ctx)
	}
	return s.deps.Tx.RunInTx(ctx, fn)
}
