// Package compactor removes synced commits that aged past the retention window.
package compactor

import (
	"context"
	"log/slog"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

// CommitPruner deletes synced commits. Implementations must never delete an
// unsynced commit.
type CommitPruner interface {
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConflictPruner deletes old conflict log entries.
type ConflictPruner interface {
	DeleteConflictLogsBefore(ctx context.Context, cutoff int64) (int64, error)
}

// Config holds the compactor configuration.
type Config struct {
	Interval           time.Duration // how often to sweep (default: 24h)
	Retention          time.Duration // how long synced commits are kept (default: 24h)
	AbandonedRetention time.Duration // how long abandoned commits are kept (default: 30 days)
}

// ConfigFrom maps the compactor configuration section onto Config.
func ConfigFrom(cfg config.CompactorConfig) Config {
	return Config{Interval: cfg.Interval, Retention: cfg.Retention, AbandonedRetention: cfg.AbandonedRetention}
}

// Result summarizes one sweep.
type Result struct {
	Cutoff           time.Time `json:"cutoff"`
	AbandonedCutoff  time.Time `json:"abandonedCutoff"`
	CommitsDeleted   int64     `json:"commitsDeleted"`
	AbandonedDeleted int64     `json:"abandonedDeleted"`
	ConflictsDeleted int64     `json:"conflictsDeleted"`
}

// Compactor periodically sweeps the commit log.
type Compactor struct {
	commits   CommitPruner
	conflicts ConflictPruner
	config    Config
	clock     clock.Clock
	telemetry *telemetry.Recorder
	logger    *slog.Logger
}

// New creates a Compactor. conflicts may be nil.
func New(commits CommitPruner, conflicts ConflictPruner, cfg Config, clk clock.Clock, tel *telemetry.Recorder, logger *slog.Logger) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.AbandonedRetention <= 0 {
		cfg.AbandonedRetention = 30 * 24 * time.Hour
	}
	return &Compactor{
		commits:   commits,
		conflicts: conflicts,
		config:    cfg,
		clock:     clock.OrSystem(clk),
		telemetry: tel,
		logger:    logging.Component(logger, "compactor"),
	}
}

// Compact deletes synced commits whose syncedAt is older than the retention
// window, and abandoned commits older than the abandoned retention window.
func (c *Compactor) Compact(ctx context.Context) (Result, error) {
	now := c.clock.Now()
	cutoff := now.Add(-c.config.Retention)
	result := Result{Cutoff: cutoff, AbandonedCutoff: now.Add(-c.config.AbandonedRetention)}

	n, err := c.commits.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	result.CommitsDeleted = n

	n, err = c.commits.DeleteAbandonedBefore(ctx, result.AbandonedCutoff)
	if err != nil {
		return result, err
	}
	result.AbandonedDeleted = n

	if c.conflicts != nil {
		n, err := c.conflicts.DeleteConflictLogsBefore(ctx, cutoff.UnixMilli())
		if err != nil {
			return result, err
		}
		result.ConflictsDeleted = n
	}

	c.telemetry.RecordCount(telemetry.CommitsCompacted, int(result.CommitsDeleted), nil)
	c.logger.Info("compaction completed",
		"cutoff", cutoff,
		"commits_deleted", result.CommitsDeleted,
		"abandoned_deleted", result.AbandonedDeleted,
		"conflicts_deleted", result.ConflictsDeleted)
	return result, nil
}

// Run compacts once immediately and then on every interval until ctx is done.
func (c *Compactor) Run(ctx context.Context) error {
	c.logger.Info("compactor started", "interval", c.config.Interval, "retention", c.config.Retention)

	if _, err := c.Compact(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("initial compaction failed", logging.Err(err))
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Compact(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("scheduled compaction failed", logging.Err(err))
			}
		case <-ctx.Done():
			c.logger.Info("compactor stopped")
			return nil
		}
	}
}
