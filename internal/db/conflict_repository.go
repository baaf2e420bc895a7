package db

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// ConflictRepository stores remote snapshots the Pull Service declined to apply.
type ConflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a new ConflictRepository.
func NewConflictRepository(db *sql.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// CreateConflictLog inserts a conflict entry and sets its ID. A snapshot already
// logged for the same document, remote version and resolution is not logged
// again, and ID stays zero.
func (r *ConflictRepository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	stmt := Builder.Insert("conflict_log").
		Options("OR IGNORE").
		Columns("owner", "collection", "item_id", "local_version", "remote_version",
			"local_timestamp", "remote_timestamp", "resolution", "detected_at").
		Values(log.Owner, log.Collection, log.ItemID, log.LocalVersion, log.RemoteVersion,
			log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)

	res, err := Exec(ctx, r.db, stmt)
	if err != nil {
		return mapError(err, "create conflict log")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}
	return nil
}

// ListConflictLogs returns the owner's most recent entries, newest first.
func (r *ConflictRepository) ListConflictLogs(ctx context.Context, owner string, limit int) ([]models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := Query(ctx, r.db, Builder.
		Select("id", "owner", "collection", "item_id", "local_version", "remote_version",
			"local_timestamp", "remote_timestamp", "resolution", "detected_at").
		From("conflict_log").
		Where(sq.Eq{"owner": owner}).
		OrderBy("detected_at DESC", "id DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, mapError(err, "list conflict logs")
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.Owner, &c.Collection, &c.ItemID, &c.LocalVersion, &c.RemoteVersion,
			&c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, mapError(err, "scan conflict log")
		}
		out = append(out, c)
	}
	return out, mapError(rows.Err(), "iterate conflict logs")
}

// DeleteConflictLogsBefore removes entries detected before cutoff (unix ms).
func (r *ConflictRepository) DeleteConflictLogsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := Exec(ctx, r.db, Builder.Delete("conflict_log").Where(sq.Lt{"detected_at": cutoff}))
	if err != nil {
		return 0, mapError(err, "delete conflict logs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
