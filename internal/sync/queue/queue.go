// Package queue provides the durable commit log: the ordered record of local
// mutations waiting to be applied to the remote backend.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

var commitColumns = []string{
	"seq", "id", "type", "collection", "doc_id", "payload", "version", "owner",
	"timestamp", "synced", "synced_at", "retries", "last_error", "abandoned",
}

// AppendRequest describes a commit to add to the log.
type AppendRequest struct {
	Type       models.CommitType
	Collection string
	DocID      string
	Payload    models.Fields
	Version    int
	Owner      string
}

func (r AppendRequest) validate() error {
	if !r.Type.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown commit type %q", r.Type)
	}
	if strings.TrimSpace(r.Collection) == "" || strings.TrimSpace(r.DocID) == "" {
		return apperrors.New(apperrors.ErrValidation, "commit requires collection and document id")
	}
	if strings.TrimSpace(r.Owner) == "" {
		return apperrors.New(apperrors.ErrValidation, "commit requires an owner")
	}
	return nil
}

// Stats summarizes an owner's commit log.
type Stats struct {
	Pending   int `json:"pending"`
	Synced    int `json:"synced"`
	Abandoned int `json:"abandoned"`
}

// CommitLog is the SQLite-backed commit log. Every method resolves its querier
// from the context, so calls made inside db.TxManager.RunInTx join that transaction.
type CommitLog struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewCommitLog creates a CommitLog. A nil clock uses the system clock.
func NewCommitLog(database *sql.DB, clk clock.Clock, logger *slog.Logger) *CommitLog {
	return &CommitLog{
		db:     database,
		clock:  clock.OrSystem(clk),
		logger: logging.Component(logger, "commit_log"),
	}
}

// Append records a new unsynced commit. Timestamps for a document are strictly
// increasing, so two mutations in the same millisecond still get distinct ids.
func (q *CommitLog) Append(ctx context.Context, req AppendRequest) (*models.Commit, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.Type == models.CommitDelete {
		pending, err := q.findPending(ctx, req.Collection, req.DocID, models.CommitDelete)
		if err != nil {
			return nil, err
		}
		if pending != nil {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "document %s/%s already has a pending delete", req.Collection, req.DocID)
		}
	}

	ts, err := q.nextTimestamp(ctx, req.Collection, req.DocID)
	if err != nil {
		return nil, err
	}

	c := &models.Commit{
		ID:         models.CommitID(req.Collection, req.DocID, ts),
		Type:       req.Type,
		Collection: req.Collection,
		DocID:      req.DocID,
		Payload:    req.Payload.Clone(),
		Version:    req.Version,
		Owner:      req.Owner,
		Timestamp:  ts,
	}

	stmt := db.Builder.Insert("commits").
		Columns("id", "type", "collection", "doc_id", "payload", "version", "owner", "timestamp").
		Values(c.ID, string(c.Type), c.Collection, c.DocID, c.Payload, c.Version, c.Owner, c.Timestamp)
	res, err := db.Exec(ctx, q.db, stmt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "append commit", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		c.Seq = seq
	}

	q.logger.Debug("commit appended", "commit_id", c.ID, "type", c.Type, "owner", c.Owner)
	return c, nil
}

// CollapseDeleteIntoRestore turns a still-unsynced delete for the document into a
// restore carrying the new version and a fresh timestamp. Without a pending delete
// it appends a regular restore commit. The flag reports whether a delete was rewritten.
func (q *CommitLog) CollapseDeleteIntoRestore(ctx context.Context, req AppendRequest) (*models.Commit, bool, error) {
	req.Type = models.CommitRestore
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	pending, err := q.findPending(ctx, req.Collection, req.DocID, models.CommitDelete)
	if err != nil {
		return nil, false, err
	}
	if pending == nil {
		c, err := q.Append(ctx, req)
		return c, false, err
	}

	ts, err := q.nextTimestamp(ctx, req.Collection, req.DocID)
	if err != nil {
		return nil, false, err
	}

	pending.ID = models.CommitID(req.Collection, req.DocID, ts)
	pending.Type = models.CommitRestore
	pending.Version = req.Version
	pending.Timestamp = ts
	pending.Payload = req.Payload.Clone()

	stmt := db.Builder.Update("commits").
		Set("id", pending.ID).
		Set("type", string(pending.Type)).
		Set("version", pending.Version).
		Set("timestamp", pending.Timestamp).
		Set("payload", pending.Payload).
		Where(sq.Eq{"seq": pending.Seq, "synced": false})
	if _, err := db.Exec(ctx, q.db, stmt); err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrLocalPersistence, "collapse delete into restore", err)
	}

	q.logger.Debug("pending delete collapsed into restore", "commit_id", pending.ID, "doc", pending.Key().String())
	return pending, true, nil
}

// HasPending reports whether the document has an unsynced commit of type typ.
func (q *CommitLog) HasPending(ctx context.Context, collection, docID string, typ models.CommitType) (bool, error) {
	c, err := q.findPending(ctx, collection, docID, typ)
	return c != nil, err
}

// ListUnsynced returns the owner's unsynced commits, oldest first.
func (q *CommitLog) ListUnsynced(ctx context.Context, owner string) ([]models.Commit, error) {
	return q.list(ctx, db.Builder.Select(commitColumns...).
		From("commits").
		Where(sq.Eq{"owner": owner, "synced": false}).
		OrderBy("timestamp", "seq"))
}

// ListAbandoned returns the owner's abandoned commits, newest first.
func (q *CommitLog) ListAbandoned(ctx context.Context, owner string, limit int) ([]models.Commit, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.list(ctx, db.Builder.Select(commitColumns...).
		From("commits").
		Where(sq.Eq{"owner": owner, "abandoned": true}).
		OrderBy("timestamp DESC", "seq DESC").
		Limit(uint64(limit)))
}

// Get returns a commit by id.
func (q *CommitLog) Get(ctx context.Context, id string) (*models.Commit, error) {
	commits, err := q.list(ctx, db.Builder.Select(commitColumns...).From("commits").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "commit %s not found", id)
	}
	return &commits[0], nil
}

// MarkSynced flags the commit as applied remotely. Marking twice is a no-op.
func (q *CommitLog) MarkSynced(ctx context.Context, id string) error {
	stmt := db.Builder.Update("commits").
		Set("synced", true).
		Set("synced_at", q.clock.Now().UnixMilli()).
		Set("last_error", "").
		Where(sq.Eq{"id": id, "synced": false})
	if _, err := db.Exec(ctx, q.db, stmt); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalPersistence, "mark commit synced", err)
	}
	return nil
}

// MarkAbandoned flags the commit as synced without remote confirmation, keeping
// the last error so the permanent failure stays visible.
func (q *CommitLog) MarkAbandoned(ctx context.Context, id, lastErr string) error {
	stmt := db.Builder.Update("commits").
		Set("synced", true).
		Set("synced_at", q.clock.Now().UnixMilli()).
		Set("abandoned", true).
		Set("last_error", lastErr).
		Where(sq.Eq{"id": id, "synced": false})
	if _, err := db.Exec(ctx, q.db, stmt); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalPersistence, "mark commit abandoned", err)
	}
	return nil
}

// IncrementRetries bumps the retry counter and returns the new value.
func (q *CommitLog) IncrementRetries(ctx context.Context, id, lastErr string) (int, error) {
	stmt := db.Builder.Update("commits").
		Set("retries", sq.Expr("retries + 1")).
		Set("last_error", lastErr).
		Where(sq.Eq{"id": id})
	res, err := db.Exec(ctx, q.db, stmt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "increment retries", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, apperrors.Newf(apperrors.ErrNotFound, "commit %s not found", id)
	}

	row, err := db.QueryRow(ctx, q.db, db.Builder.Select("retries").From("commits").Where(sq.Eq{"id": id}))
	if err != nil {
		return 0, err
	}
	var retries int
	if err := row.Scan(&retries); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "read retries", err)
	}
	return retries, nil
}

// PendingCount returns the number of unsynced commits for owner.
func (q *CommitLog) PendingCount(ctx context.Context, owner string) (int, error) {
	return q.count(ctx, sq.Eq{"owner": owner, "synced": false})
}

// AbandonedCount returns the number of abandoned commits for owner.
func (q *CommitLog) AbandonedCount(ctx context.Context, owner string) (int, error) {
	return q.count(ctx, sq.Eq{"owner": owner, "abandoned": true})
}

// Stats returns pending, synced and abandoned counts for owner.
func (q *CommitLog) Stats(ctx context.Context, owner string) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = q.PendingCount(ctx, owner); err != nil {
		return s, err
	}
	if s.Abandoned, err = q.AbandonedCount(ctx, owner); err != nil {
		return s, err
	}
	if s.Synced, err = q.count(ctx, sq.Eq{"owner": owner, "synced": true, "abandoned": false}); err != nil {
		return s, err
	}
	return s, nil
}

// PendingKeys returns the documents that have at least one unsynced commit.
func (q *CommitLog) PendingKeys(ctx context.Context, owner string) (map[models.DocKey]struct{}, error) {
	rows, err := db.Query(ctx, q.db, db.Builder.
		Select("DISTINCT collection", "doc_id").
		From("commits").
		Where(sq.Eq{"owner": owner, "synced": false}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "list pending documents", err)
	}
	defer rows.Close()

	keys := make(map[models.DocKey]struct{})
	for rows.Next() {
		var k models.DocKey
		if err := rows.Scan(&k.Collection, &k.ID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "scan pending document", err)
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "iterate pending documents", err)
	}
	return keys, nil
}

// DeleteSyncedBefore removes synced, non-abandoned commits whose syncedAt is
// older than cutoff. Unsynced commits are never touched.
func (q *CommitLog) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt := db.Builder.Delete("commits").
		Where(sq.Eq{"synced": true, "abandoned": false}).
		Where(sq.NotEq{"synced_at": nil}).
		Where(sq.Lt{"synced_at": cutoff.UnixMilli()})
	res, err := db.Exec(ctx, q.db, stmt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "delete synced commits", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAbandonedBefore removes abandoned commits whose syncedAt is older than
// cutoff.
func (q *CommitLog) DeleteAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt := db.Builder.Delete("commits").
		Where(sq.Eq{"abandoned": true}).
		Where(sq.NotEq{"synced_at": nil}).
		Where(sq.Lt{"synced_at": cutoff.UnixMilli()})
	res, err := db.Exec(ctx, q.db, stmt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "delete abandoned commits", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *CommitLog) findPending(ctx context.Context, collection, docID string, typ models.CommitType) (*models.Commit, error) {
	commits, err := q.list(ctx, db.Builder.Select(commitColumns...).
		From("commits").
		Where(sq.Eq{"collection": collection, "doc_id": docID, "synced": false, "type": string(typ)}).
		Limit(1))
	if err != nil || len(commits) == 0 {
		return nil, err
	}
	return &commits[0], nil
}

func (q *CommitLog) nextTimestamp(ctx context.Context, collection, docID string) (int64, error) {
	row, err := db.QueryRow(ctx, q.db, db.Builder.
		Select("MAX(timestamp)").
		From("commits").
		Where(sq.Eq{"collection": collection, "doc_id": docID}))
	if err != nil {
		return 0, err
	}
	var last sql.NullInt64
	if err := row.Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "read last commit timestamp", err)
	}

	ts := q.clock.Now().UnixMilli()
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}
	return ts, nil
}

func (q *CommitLog) count(ctx context.Context, where sq.Eq) (int, error) {
	row, err := db.QueryRow(ctx, q.db, db.Builder.Select("COUNT(*)").From("commits").Where(where))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalPersistence, "count commits", err)
	}
	return n, nil
}

func (q *CommitLog) list(ctx context.Context, b sq.SelectBuilder) ([]models.Commit, error) {
	rows, err := db.Query(ctx, q.db, b)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "query commits", err)
	}
	defer rows.Close()

	var out []models.Commit
	for rows.Next() {
		var (
			c        models.Commit
			typ      string
			syncedAt sql.NullInt64
		)
		if err := rows.Scan(&c.Seq, &c.ID, &typ, &c.Collection, &c.DocID, &c.Payload, &c.Version, &c.Owner,
			&c.Timestamp, &c.Synced, &syncedAt, &c.Retries, &c.LastError, &c.Abandoned); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "scan commit", err)
		}
		c.Type = models.CommitType(typ)
		if syncedAt.Valid {
			v := syncedAt.Int64
			c.SyncedAt = &v
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalPersistence, "iterate commits", err)
	}
	return out, nil
}
