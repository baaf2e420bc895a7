package db

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/kimhsiao/stocksync/backend/internal/models"
)

var entityColumns = []string{"collection", "id", "owner", "fields", "version", "updated_at", "is_deleted"}

// EntityRepository persists the latest snapshot of every entity.
// Writes overwrite unconditionally; version checks are the caller's responsibility.
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// ListOptions narrows ListByOwner.
type ListOptions struct {
	Collection     string
	ExcludeDeleted bool
}

// Put upserts the snapshot keyed by (collection, id).
func (r *EntityRepository) Put(ctx context.Context, e *models.Entity) error {
	if e.Fields == nil {
		e.Fields = models.Fields{}
	}
	stmt := Builder.Insert("entities").
		Columns(entityColumns...).
		Values(e.Collection, e.ID, e.Owner, e.Fields, e.Version, e.UpdatedAt, e.IsDeleted).
		Suffix(`ON CONFLICT (collection, id) DO UPDATE SET
			owner = excluded.owner,
			fields = excluded.fields,
			version = excluded.version,
			updated_at = excluded.updated_at,
			is_deleted = excluded.is_deleted`)

	if _, err := Exec(ctx, r.db, stmt); err != nil {
		return mapError(err, "put entity")
	}
	return nil
}

// Get returns the snapshot for (collection, id) or an ErrNotFound error.
func (r *EntityRepository) Get(ctx context.Context, collection, id string) (*models.Entity, error) {
	row, err := QueryRow(ctx, r.db, Builder.Select(entityColumns...).
		From("entities").
		Where(sq.Eq{"collection": collection, "id": id}))
	if err != nil {
		return nil, err
	}

	var e models.Entity
	if err := row.Scan(&e.Collection, &e.ID, &e.Owner, &e.Fields, &e.Version, &e.UpdatedAt, &e.IsDeleted); err != nil {
		return nil, mapError(err, "get entity "+collection+"/"+id)
	}
	return &e, nil
}

// ListByOwner returns the owner's entities ordered by collection then id.
func (r *EntityRepository) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Entity, error) {
	q := Builder.Select(entityColumns...).
		From("entities").
		Where(sq.Eq{"owner": owner}).
		OrderBy("collection", "id")
	if opts.Collection != "" {
		q = q.Where(sq.Eq{"collection": opts.Collection})
	}
	if opts.ExcludeDeleted {
		q = q.Where(sq.Eq{"is_deleted": false})
	}

	rows, err := Query(ctx, r.db, q)
	if err != nil {
		return nil, mapError(err, "list entities")
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.Scan(&e.Collection, &e.ID, &e.Owner, &e.Fields, &e.Version, &e.UpdatedAt, &e.IsDeleted); err != nil {
			return nil, mapError(err, "scan entity")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate entities")
	}
	return out, nil
}

// Delete physically removes the snapshot. Deleting a missing row is not an error.
func (r *EntityRepository) Delete(ctx context.Context, collection, id string) error {
	stmt := Builder.Delete("entities").Where(sq.Eq{"collection": collection, "id": id})
	if _, err := Exec(ctx, r.db, stmt); err != nil {
		return mapError(err, "delete entity")
	}
	return nil
}
