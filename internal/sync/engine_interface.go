// Package sync wires the local store, commit log, push worker, pull service
// and compactor into a per-owner sync engine.
package sync

import (
	"context"

	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync/compactor"
	"github.com/kimhsiao/stocksync/backend/internal/sync/pull"
	"github.com/kimhsiao/stocksync/backend/internal/sync/push"
	"github.com/kimhsiao/stocksync/backend/internal/sync/queue"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

// SyncEngineInterface is the caller-facing surface of the engine.
// This interface allows the HTTP handlers and CLI to be tested against fakes.
type SyncEngineInterface interface {
	// EnqueueMutation applies a mutation locally and queues it for the remote.
	// It never waits on the network.
	EnqueueMutation(ctx context.Context, m Mutation) (*LocalApplyResult, error)

	// QueryLocal lists the owner's local snapshots.
	QueryLocal(ctx context.Context, opts QueryOptions) ([]models.Entity, error)

	// GetLocal returns one local snapshot.
	GetLocal(ctx context.Context, collection, id string) (*models.Entity, error)

	// NotifyActivity hints that remote divergence is likely soon.
	NotifyActivity()

	// SyncHealth summarizes sync progress for diagnostics.
	SyncHealth(ctx context.Context) (models.SyncHealth, error)

	// DrainNow runs one push pass.
	DrainNow(ctx context.Context) (push.DrainResult, error)

	// TriggerPush schedules a push pass without waiting.
	TriggerPush()

	// PullNow runs one pull cycle.
	PullNow(ctx context.Context) (pull.Result, error)

	// CompactNow runs one compaction sweep.
	CompactNow(ctx context.Context) (compactor.Result, error)

	// ConflictLogs returns recent skipped remote snapshots.
	ConflictLogs(ctx context.Context, limit int) ([]models.ConflictLog, error)

	// AbandonedCommits returns commits given up after the retry ceiling.
	AbandonedCommits(ctx context.Context, limit int) ([]models.Commit, error)

	// CommitStats returns pending, synced and abandoned commit counts.
	CommitStats(ctx context.Context) (queue.Stats, error)

	// Telemetry returns the in-process counters.
	Telemetry() telemetry.Snapshot

	// SetEventHandler sets the handler for engine notifications.
	SetEventHandler(handler EventHandler)
}

var _ SyncEngineInterface = (*Engine)(nil)
