package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

// ObjectStore is the subset of Client used by Backend.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix, continuationToken string, maxKeys int) (*ListResult, error)
}

// Options configures a Backend.
type Options struct {
	Prefix  string // key prefix, e.g. "stocksync/"
	Owner   string // the backend only addresses this owner's documents
	MaxKeys int    // page size for listings
}

// Backend stores each document as {prefix}{owner}/{collection}/{id}.json.
// The object's LastModified is the server-assigned UpdatedAt.
type Backend struct {
	store   ObjectStore
	prefix  string
	owner   string
	maxKeys int
}

var _ remote.Backend = (*Backend)(nil)

// New creates a Backend scoped to opts.Owner.
func New(store ObjectStore, opts Options) *Backend {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 1000
	}
	return &Backend{store: store, prefix: opts.Prefix, owner: opts.Owner, maxKeys: opts.MaxKeys}
}

func (b *Backend) collectionPrefix(collection string) string {
	return b.prefix + b.owner + "/" + collection + "/"
}

func (b *Backend) key(collection, id string) string {
	return b.collectionPrefix(collection) + id + ".json"
}

func (b *Backend) checkOwner(owner string) error {
	if owner != "" && owner != b.owner {
		return apperrors.Newf(apperrors.ErrInvalid, "backend is scoped to owner %q, got %q", b.owner, owner)
	}
	return nil
}

// UpsertByID writes the full document. The stored version never decreases.
func (b *Backend) UpsertByID(ctx context.Context, collection, id string, entity models.Entity) error {
	if err := b.checkOwner(entity.Owner); err != nil {
		return err
	}
	entity.ID = id
	entity.Collection = collection
	entity.Owner = b.owner

	current, err := b.get(ctx, collection, id)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return err
	case current.Version > entity.Version:
		entity.Version = current.Version
	}
	return b.put(ctx, entity)
}

// PatchByID reads the document, merges the patch and writes it back.
func (b *Backend) PatchByID(ctx context.Context, collection, id string, patch remote.Patch) error {
	if err := b.checkOwner(patch.Owner); err != nil {
		return err
	}
	current, err := b.get(ctx, collection, id)
	if err != nil {
		return err
	}

	if current.Fields == nil {
		current.Fields = models.Fields{}
	}
	for k, v := range patch.Fields {
		current.Fields[k] = v
	}
	if patch.Version > current.Version {
		current.Version = patch.Version
	}
	if patch.IsDeleted != nil {
		current.IsDeleted = *patch.IsDeleted
	}
	return b.put(ctx, current)
}

// DeleteByID removes the object.
func (b *Backend) DeleteByID(ctx context.Context, collection, id string) error {
	return b.store.DeleteObject(ctx, b.key(collection, id))
}

// QueryByOwnerSince lists the collection and fetches objects modified after since.
func (b *Backend) QueryByOwnerSince(ctx context.Context, collection, owner string, since int64) ([]models.Entity, error) {
	if err := b.checkOwner(owner); err != nil {
		return nil, err
	}

	var (
		out   []models.Entity
		token string
	)
	for {
		page, err := b.store.ListObjects(ctx, b.collectionPrefix(collection), token, b.maxKeys)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			if !strings.HasSuffix(obj.Key, ".json") || obj.LastModified.UnixMilli() <= since {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, b.collectionPrefix(collection)), ".json")
			entity, err := b.get(ctx, collection, id)
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue // deleted between list and get
			}
			if err != nil {
				return nil, err
			}
			entity.UpdatedAt = obj.LastModified.UnixMilli()
			out = append(out, entity)
		}
		if !page.Truncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (b *Backend) get(ctx context.Context, collection, id string) (models.Entity, error) {
	data, err := b.store.GetObject(ctx, b.key(collection, id))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return models.Entity{}, remote.NotFound(collection, id)
		}
		return models.Entity{}, err
	}
	var entity models.Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return models.Entity{}, remote.Failed(fmt.Sprintf("decode %s/%s", collection, id), err)
	}
	entity.ID = id
	entity.Collection = collection
	return entity, nil
}

func (b *Backend) put(ctx context.Context, entity models.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return remote.Failed("encode entity", err)
	}
	return b.store.PutObject(ctx, b.key(entity.Collection, entity.ID), data, "application/json")
}
