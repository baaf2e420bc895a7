// Package app assembles a sync engine from configuration for the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/crypto"
	"github.com/kimhsiao/stocksync/backend/internal/db"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/sync"
	"github.com/kimhsiao/stocksync/backend/internal/sync/pull"
	"github.com/kimhsiao/stocksync/backend/internal/sync/push"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote/memory"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote/postgres"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote/s3"
	"github.com/kimhsiao/stocksync/backend/internal/telemetry"
)

// Options carries optional collaborators for Open.
type Options struct {
	Logger     *slog.Logger
	Clock      clock.Clock
	AlertSinks []push.AlertSink
	MergeHooks []pull.MergeHook
	// Remote replaces the configured driver when set.
	Remote remote.Backend
}

// App owns the local database, the remote backend and the engine built on them.
type App struct {
	Config *config.Config
	DB     *db.DB
	Remote remote.Backend
	Engine *sync.Engine

	closers []func()
}

// Open opens and migrates the local store, connects the remote backend and
// builds the engine. Call Close when done.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := logging.OrDefault(opts.Logger)

	database, err := db.OpenAndMigrate(ctx, cfg.Local.DataDir, db.Options{BusyTimeout: cfg.Local.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a := &App{Config: cfg, DB: database}
	a.closers = append(a.closers, func() { database.Close() })

	backend := opts.Remote
	if backend == nil {
		var closeRemote func()
		backend, closeRemote, err = OpenRemote(ctx, cfg, opts.Clock)
		if err != nil {
			a.Close()
			return nil, err
		}
		if closeRemote != nil {
			a.closers = append(a.closers, closeRemote)
		}
	}
	a.Remote = backend

	engine, err := sync.NewEngine(cfg, sync.Deps{
		DB:         database,
		Remote:     backend,
		AlertSinks: opts.AlertSinks,
		MergeHooks: opts.MergeHooks,
		Telemetry:  telemetry.New(cfg.Telemetry.Enabled),
		Clock:      opts.Clock,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine

	logger.Info("sync engine ready",
		"owner", cfg.Account.Owner,
		"remote", cfg.Remote.Driver,
		"local", database.Path(),
	)
	return a, nil
}

// OpenRemote connects the backend selected by cfg.Remote.Driver. The returned
// close func may be nil.
func OpenRemote(ctx context.Context, cfg *config.Config, clk clock.Clock) (remote.Backend, func(), error) {
	rc, err := RevealRemote(cfg.Remote, cfg.Local.SecretKey)
	if err != nil {
		return nil, nil, err
	}

	switch rc.Driver {
	case "", "memory":
		return memory.New(clk), nil, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, rc.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect remote postgres: %w", err)
		}
		if rc.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate remote postgres: %w", err)
			}
		}
		return postgres.New(pool, rc.Postgres.PageSize), pool.Close, nil

	case "s3":
		client, err := s3.NewClientFromConfig(rc.S3)
		if err != nil {
			return nil, nil, fmt.Errorf("configure remote s3: %w", err)
		}
		return s3.New(client, s3.Options{
			Prefix:  rc.S3.Prefix,
			Owner:   cfg.Account.Owner,
			MaxKeys: rc.S3.MaxListKey,
		}), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
}

// RevealRemote returns a copy of rc with sealed credentials opened.
func RevealRemote(rc config.RemoteConfig, secretKey string) (config.RemoteConfig, error) {
	fields := []struct {
		name string
		val  *string
	}{
		{"remote.postgres.dsn", &rc.Postgres.DSN},
		{"remote.s3.access_key", &rc.S3.AccessKey},
		{"remote.s3.secret_key", &rc.S3.SecretKey},
	}
	for _, f := range fields {
		plain, err := crypto.Reveal(*f.val, secretKey)
		if err != nil {
			return rc, fmt.Errorf("reveal %s: %w", f.name, err)
		}
		*f.val = plain
	}
	return rc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	return nil
}
