// Package main runs the stocksync engine behind a localhost REST/WebSocket
// server for desktop clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/stocksync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/stocksync/backend/internal/app"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/sync"
)

func main() {
	if err := run(); err != nil {
		slog.Error("stocksync desktop server failed", logging.Err(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := NewWSHub(logger)
	a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Engine.SetEventHandler(hub)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      newRouter(a.Engine, hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Engine.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("stocksync desktop server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter registers the REST and WebSocket routes.
func newRouter(engine sync.SyncEngineInterface, hub *WSHub) http.Handler {
	entities := handlers.NewEntityHandler(engine)
	syncHandler := handlers.NewSyncHandler(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"stocksync-desktop"}`))
	})

	mux.HandleFunc("/api/mutations", entities.Mutate)
	mux.HandleFunc("/api/entities", entities.List)
	mux.HandleFunc("/api/entities/{collection}/{id}", entities.Get)

	mux.HandleFunc("/api/sync/health", syncHandler.GetHealth)
	mux.HandleFunc("/api/sync/activity", syncHandler.Activity)
	mux.HandleFunc("/api/sync/push", syncHandler.TriggerPush)
	mux.HandleFunc("/api/sync/pull", syncHandler.PullNow)
	mux.HandleFunc("/api/sync/conflicts", syncHandler.ListConflicts)
	mux.HandleFunc("/api/sync/abandoned", syncHandler.ListAbandoned)
	mux.HandleFunc("/api/sync/telemetry", syncHandler.GetTelemetry)

	mux.HandleFunc("/ws", HandleWebSocket(hub))
	return mux
}
