package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/stocksync/backend/internal/crypto"
	"github.com/kimhsiao/stocksync/backend/internal/db"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending local store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			database, err := db.OpenWithOptions(cfg.Local.DataDir, db.Options{BusyTimeout: cfg.Local.BusyTimeout})
			if err != nil {
				return WrapExitError(ExitCommandError, "open local store", err)
			}
			defer database.Close()

			migrator, err := db.NewMigrator(database.DB)
			if err != nil {
				return WrapExitError(ExitFailure, "prepare migrations", err)
			}
			applied, err := migrator.Up(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "apply migrations", err)
			}
			version, err := migrator.CurrentVersion(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "read schema version", err)
			}

			return formatter(cmd, rootOpts).Print(map[string]any{
				"path":    database.Path(),
				"applied": applied,
				"version": version,
			}, []Field{
				{"Store", database.Path()},
				{"Applied", applied},
				{"Schema version", version},
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync health and commit log counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			health, err := a.Engine.SyncHealth(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "read sync health", err)
			}
			stats, err := a.Engine.CommitStats(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "read commit stats", err)
			}

			blockedUntil := "-"
			if health.QuotaBlocked && health.QuotaBlockedUntil != nil {
				blockedUntil = health.QuotaBlockedUntil.Format(time.RFC3339)
			}
			lastPull := "never"
			if health.LastPullTime > 0 {
				lastPull = time.UnixMilli(health.LastPullTime).UTC().Format(time.RFC3339)
			}

			return formatter(cmd, rootOpts).Print(map[string]any{
				"health":      health,
				"commitStats": stats,
			}, []Field{
				{"Owner", health.Owner},
				{"Pending", health.PendingCount},
				{"Synced", stats.Synced},
				{"Abandoned", health.AbandonedCount},
				{"Quota blocked until", blockedUntil},
				{"Last pull (server)", lastPull},
				{"Pull interval", health.PullInterval},
			})
		},
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one push pass over the unsynced commits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.DrainNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "drain", err)
			}
			skipped := string(res.Skipped)
			if skipped == "" {
				skipped = "-"
			}
			return formatter(cmd, rootOpts).Print(res, []Field{
				{"Attempted", res.Attempted},
				{"Synced", res.Synced},
				{"Failed", res.Failed},
				{"Abandoned", res.Abandoned},
				{"Deferred", res.Deferred},
				{"Quota blocked", res.QuotaBlocked},
				{"Skipped", skipped},
			})
		},
	}
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run one pull cycle and merge remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.PullNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "pull", err)
			}
			return formatter(cmd, rootOpts).Print(res, []Field{
				{"Fetched", res.Fetched},
				{"Merged", res.Merged},
				{"Skipped (pending)", res.SkippedPending},
				{"Skipped (local newer)", res.SkippedNewer},
				{"Unchanged", res.Unchanged},
				{"Next interval", res.NextInterval},
			})
		},
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Delete synced commits older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.CompactNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "compact", err)
			}
			return formatter(cmd, rootOpts).Print(res, []Field{
				{"Cutoff", res.Cutoff.UTC().Format(time.RFC3339)},
				{"Commits deleted", res.CommitsDeleted},
				{"Abandoned deleted", res.AbandonedDeleted},
				{"Conflict logs deleted", res.ConflictsDeleted},
			})
		},
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List remote snapshots the pull service declined to apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			logs, err := a.Engine.ConflictLogs(ctx, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "list conflicts", err)
			}
			fields := make([]Field, 0, len(logs))
			for _, l := range logs {
				fields = append(fields, Field{
					Label: l.Collection + "/" + l.ItemID,
					Value: fmt.Sprintf("%s local=v%d remote=v%d", l.Resolution, l.LocalVersion, l.RemoteVersion),
				})
			}
			return formatter(cmd, rootOpts).Print(map[string]any{"conflicts": logs}, fields)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show")
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the push worker, pull service and compactor until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rootOpts.Verbose = true
			a, err := openApp(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine.Run(ctx); err != nil && ctx.Err() == nil {
				return WrapExitError(ExitFailure, "engine stopped", err)
			}
			return nil
		},
	}
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	var secretKey string
	cmd := &cobra.Command{
		Use:   "seal <value>",
		Short: "Seal a remote credential for use in the config file",
		Long: `Seal encrypts a credential so it can be stored in the remote section of
the config file. Without --secret-key the machine identifier is used, so the
sealed value only opens on this machine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := crypto.Seal(args[0], secretKey)
			if err != nil {
				return WrapExitError(ExitCommandError, "seal value", err)
			}
			return formatter(cmd, rootOpts).Print(map[string]any{
				"sealed": sealed,
			}, []Field{
				{"Sealed", sealed},
			})
		},
	}
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "passphrase matching local.secret_key")
	return cmd
}
