package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// StateRepository persists per-owner sync bookkeeping: the pull cursor and the
// push quota circuit breaker.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository creates a new StateRepository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// GetPullCursor returns the stored cursor for owner; ok is false when none exists.
func (r *StateRepository) GetPullCursor(ctx context.Context, owner string) (cursor models.PullCursor, ok bool, err error) {
	row, err := QueryRow(ctx, r.db, Builder.
		Select("last_pull_time", "pull_interval_ms", "no_change_streak").
		From("sync_state").
		Where(sq.Eq{"owner": owner}))
	if err != nil {
		return cursor, false, err
	}

	var intervalMs int64
	err = row.Scan(&cursor.LastPullTime, &intervalMs, &cursor.NoChangeStreak)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PullCursor{Owner: owner}, false, nil
	}
	if err != nil {
		return cursor, false, mapError(err, "get pull cursor")
	}
	cursor.Owner = owner
	cursor.Interval = time.Duration(intervalMs) * time.Millisecond
	return cursor, true, nil
}

// SavePullCursor stores the cursor, leaving the quota columns untouched.
func (r *StateRepository) SavePullCursor(ctx context.Context, cursor models.PullCursor) error {
	stmt := Builder.Insert("sync_state").
		Columns("owner", "last_pull_time", "pull_interval_ms", "no_change_streak", "updated_at").
		Values(cursor.Owner, cursor.LastPullTime, cursor.Interval.Milliseconds(), cursor.NoChangeStreak, time.Now().UnixMilli()).
		Suffix(`ON CONFLICT (owner) DO UPDATE SET
			last_pull_time = excluded.last_pull_time,
			pull_interval_ms = excluded.pull_interval_ms,
			no_change_streak = excluded.no_change_streak,
			updated_at = excluded.updated_at`)
	if _, err := Exec(ctx, r.db, stmt); err != nil {
		return mapError(err, "save pull cursor")
	}
	return nil
}

// GetQuotaBlockedUntil returns the stored circuit-breaker deadline, or nil.
func (r *StateRepository) GetQuotaBlockedUntil(ctx context.Context, owner string) (*time.Time, error) {
	row, err := QueryRow(ctx, r.db, Builder.
		Select("quota_blocked_until").
		From("sync_state").
		Where(sq.Eq{"owner": owner}))
	if err != nil {
		return nil, err
	}

	var until sql.NullInt64
	err = row.Scan(&until)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !until.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "get quota block")
	}
	t := time.UnixMilli(until.Int64)
	return &t, nil
}

// SetQuotaBlockedUntil stores the circuit-breaker deadline; nil clears it.
func (r *StateRepository) SetQuotaBlockedUntil(ctx context.Context, owner string, until *time.Time) error {
	var value any
	if until != nil {
		value = until.UnixMilli()
	}
	stmt := Builder.Insert("sync_state").
		Columns("owner", "quota_blocked_until", "updated_at").
		Values(owner, value, time.Now().UnixMilli()).
		Suffix(`ON CONFLICT (owner) DO UPDATE SET
			quota_blocked_until = excluded.quota_blocked_until,
			updated_at = excluded.updated_at`)
	if _, err := Exec(ctx, r.db, stmt); err != nil {
		return mapError(err, "set quota block")
	}
	return nil
}
