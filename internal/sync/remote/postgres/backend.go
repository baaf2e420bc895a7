// Package postgres implements the remote backend on PostgreSQL with JSONB documents.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

// serverNow truncates to milliseconds so cursors in unix ms compare exactly.
const serverNow = "date_trunc('milliseconds', clock_timestamp())"

var columns = []string{"collection", "id", "owner", "fields", "version", "is_deleted", "updated_at"}

// Backend stores documents in the remote_entities table.
type Backend struct {
	pool     *pgxpool.Pool
	sb       sq.StatementBuilderType
	pageSize int
}

var _ remote.Backend = (*Backend)(nil)

// New creates a Backend over pool. QueryByOwnerSince pages through results
// pageSize rows at a time.
func New(pool *pgxpool.Pool, pageSize int) *Backend {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Backend{
		pool:     pool,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		pageSize: pageSize,
	}
}

// UpsertByID implements remote.Backend.
func (b *Backend) UpsertByID(ctx context.Context, collection, id string, entity models.Entity) error {
	raw, err := encodeFields(entity.Fields)
	if err != nil {
		return remote.Failed("encode fields", err)
	}

	query, args, err := b.sb.Insert("remote_entities").
		Columns(columns...).
		Values(collection, id, entity.Owner, sq.Expr("?::jsonb", raw), entity.Version, entity.IsDeleted, sq.Expr(serverNow)).
		Suffix(`ON CONFLICT (collection, id) DO UPDATE SET
			owner = EXCLUDED.owner,
			fields = EXCLUDED.fields,
			version = GREATEST(remote_entities.version, EXCLUDED.version),
			is_deleted = EXCLUDED.is_deleted,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return remote.Failed("build upsert", err)
	}

	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		return mapError(err, fmt.Sprintf("upsert %s/%s", collection, id))
	}
	return nil
}

// PatchByID implements remote.Backend.
func (b *Backend) PatchByID(ctx context.Context, collection, id string, patch remote.Patch) error {
	raw, err := encodeFields(patch.Fields)
	if err != nil {
		return remote.Failed("encode patch", err)
	}

	upd := b.sb.Update("remote_entities").
		Set("fields", sq.Expr("fields || ?::jsonb", raw)).
		Set("version", sq.Expr("GREATEST(version, ?)", patch.Version)).
		Set("updated_at", sq.Expr(serverNow)).
		Where(sq.Eq{"collection": collection, "id": id})
	if patch.IsDeleted != nil {
		upd = upd.Set("is_deleted", *patch.IsDeleted)
	}

	query, args, err := upd.ToSql()
	if err != nil {
		return remote.Failed("build patch", err)
	}

	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, fmt.Sprintf("patch %s/%s", collection, id))
	}
	if tag.RowsAffected() == 0 {
		return remote.NotFound(collection, id)
	}
	return nil
}

// DeleteByID implements remote.Backend.
func (b *Backend) DeleteByID(ctx context.Context, collection, id string) error {
	query, args, err := b.sb.Delete("remote_entities").
		Where(sq.Eq{"collection": collection, "id": id}).
		ToSql()
	if err != nil {
		return remote.Failed("build delete", err)
	}
	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		return mapError(err, fmt.Sprintf("delete %s/%s", collection, id))
	}
	return nil
}

// QueryByOwnerSince implements remote.Backend. The timestamp filter runs on the
// server and results are fetched with keyset pagination on (updated_at, id).
func (b *Backend) QueryByOwnerSince(ctx context.Context, collection, owner string, since int64) ([]models.Entity, error) {
	var (
		out      []models.Entity
		lastTime time.Time
		lastID   string
	)

	for {
		q := b.sb.Select(columns...).
			From("remote_entities").
			Where(sq.Eq{"owner": owner, "collection": collection}).
			Where(sq.Gt{"updated_at": time.UnixMilli(since).UTC()}).
			OrderBy("updated_at", "id").
			Limit(uint64(b.pageSize))
		if lastID != "" {
			q = q.Where("(updated_at, id) > (?, ?)", lastTime, lastID)
		}

		page, err := b.queryPage(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, row := range page {
			out = append(out, row.entity)
			lastTime, lastID = row.updatedAt, row.entity.ID
		}
		if len(page) < b.pageSize {
			return out, nil
		}
	}
}

type pageRow struct {
	entity    models.Entity
	updatedAt time.Time
}

func (b *Backend) queryPage(ctx context.Context, q sq.SelectBuilder) ([]pageRow, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, remote.Failed("build query", err)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query remote entities")
	}
	defer rows.Close()

	var page []pageRow
	for rows.Next() {
		var (
			r   pageRow
			raw []byte
		)
		if err := rows.Scan(&r.entity.Collection, &r.entity.ID, &r.entity.Owner, &raw,
			&r.entity.Version, &r.entity.IsDeleted, &r.updatedAt); err != nil {
			return nil, mapError(err, "scan remote entity")
		}
		r.entity.Fields = models.Fields{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.entity.Fields); err != nil {
				return nil, remote.Failed("decode fields", err)
			}
		}
		r.entity.UpdatedAt = r.updatedAt.UnixMilli()
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate remote entities")
	}
	return page, nil
}

func encodeFields(f models.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
