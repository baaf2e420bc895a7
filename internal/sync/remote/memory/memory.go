// Package memory provides an in-process remote backend with fault injection.
// It backs the offline demo mode and the sync engine tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

// Op names a backend operation for fault injection and call counting.
type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpDelete Op = "delete"
	OpQuery  Op = "query"
)

// Backend is a thread-safe in-memory remote.Backend.
type Backend struct {
	mu       sync.Mutex
	clock    clock.Clock
	docs     map[models.DocKey]models.Entity
	calls    map[Op]int
	faults   map[Op][]error
	offline  bool
	lastTime int64
}

var _ remote.Backend = (*Backend)(nil)

// New creates an empty Backend. A nil clock uses the system clock.
func New(clk clock.Clock) *Backend {
	return &Backend{
		clock:  clock.OrSystem(clk),
		docs:   make(map[models.DocKey]models.Entity),
		calls:  make(map[Op]int),
		faults: make(map[Op][]error),
	}
}

// FailNext makes the next n calls of op return err, before any state change.
func (b *Backend) FailNext(op Op, err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.faults[op] = append(b.faults[op], err)
	}
}

// SetOffline makes every call fail with an unavailable error while on is true.
func (b *Backend) SetOffline(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = on
}

// Calls returns how many times op was invoked, including failed calls.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Get returns the stored document.
func (b *Backend) Get(collection, id string) (models.Entity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.docs[models.DocKey{Collection: collection, ID: id}]
	return e.Clone(), ok
}

// Len returns the number of stored documents.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

// Seed writes a document as another device would, stamping a server time.
func (b *Backend) Seed(e models.Entity) models.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	e = e.Clone()
	e.UpdatedAt = b.stamp()
	b.docs[e.Key()] = e
	return e.Clone()
}

// UpsertByID implements remote.Backend.
func (b *Backend) UpsertByID(ctx context.Context, collection, id string, entity models.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpUpsert); err != nil {
		return err
	}

	e := entity.Clone()
	e.Collection, e.ID = collection, id
	if cur, ok := b.docs[e.Key()]; ok && cur.Version > e.Version {
		e.Version = cur.Version
	}
	e.UpdatedAt = b.stamp()
	b.docs[e.Key()] = e
	return nil
}

// PatchByID implements remote.Backend.
func (b *Backend) PatchByID(ctx context.Context, collection, id string, patch remote.Patch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpPatch); err != nil {
		return err
	}

	key := models.DocKey{Collection: collection, ID: id}
	e, ok := b.docs[key]
	if !ok {
		return remote.NotFound(collection, id)
	}
	e = e.Clone()
	for k, v := range patch.Fields {
		e.Fields[k] = v
	}
	if patch.Version > e.Version {
		e.Version = patch.Version
	}
	if patch.IsDeleted != nil {
		e.IsDeleted = *patch.IsDeleted
	}
	e.UpdatedAt = b.stamp()
	b.docs[key] = e
	return nil
}

// DeleteByID implements remote.Backend.
func (b *Backend) DeleteByID(ctx context.Context, collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpDelete); err != nil {
		return err
	}
	delete(b.docs, models.DocKey{Collection: collection, ID: id})
	return nil
}

// QueryByOwnerSince implements remote.Backend. Results are ordered by UpdatedAt.
func (b *Backend) QueryByOwnerSince(ctx context.Context, collection, owner string, since int64) ([]models.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpQuery); err != nil {
		return nil, err
	}

	var out []models.Entity
	for key, e := range b.docs {
		if key.Collection == collection && e.Owner == owner && e.UpdatedAt > since {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// enter counts the call and applies injected faults. Caller holds b.mu.
func (b *Backend) enter(ctx context.Context, op Op) error {
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return remote.Unavailable("memory "+string(op), err)
	}
	if b.offline {
		return remote.Unavailable("memory "+string(op), context.DeadlineExceeded)
	}
	if queued := b.faults[op]; len(queued) > 0 {
		err := queued[0]
		b.faults[op] = queued[1:]
		return err
	}
	return nil
}

// stamp returns a strictly increasing server time in unix ms. Caller holds b.mu.
func (b *Backend) stamp() int64 {
	now := b.clock.Now().UnixMilli()
	if now <= b.lastTime {
		now = b.lastTime + 1
	}
	b.lastTime = now
	return now
}
