package main

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"

	"github.com/kimhsiao/stocksync/backend/internal/app"
	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync"
)

// bridge holds the engine behind the C exports. Every call takes and returns
// JSON so the Dart side only deals with strings.
type bridge struct {
	mu     gosync.Mutex
	app    *app.App
	cancel context.CancelFunc
	done   chan struct{}
}

// open loads configuration, opens the engine and starts its background loops.
func (b *bridge) open(configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.Open(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Engine.Run(ctx); err != nil {
			logger.Error("sync engine stopped", logging.Err(err))
		}
	}()

	b.app, b.cancel, b.done = a, cancel, done
	return nil
}

// close stops the background loops and releases the local store.
func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return
	}
	b.cancel()
	<-b.done
	b.app.Close()
	b.app = nil
}

func (b *bridge) engine() (*sync.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, fmt.Errorf("engine not initialized")
	}
	return b.app.Engine, nil
}

// enqueue applies a JSON-encoded sync.Mutation.
func (b *bridge) enqueue(request string) (string, error) {
	e, err := b.engine()
	if err != nil {
		return "", err
	}
	var m sync.Mutation
	if err := json.Unmarshal([]byte(request), &m); err != nil {
		return "", fmt.Errorf("decode mutation: %w", err)
	}
	res, err := e.EnqueueMutation(context.Background(), m)
	if err != nil {
		return "", err
	}
	return encode(res)
}

// query lists local entities for a JSON-encoded sync.QueryOptions.
func (b *bridge) query(request string) (string, error) {
	e, err := b.engine()
	if err != nil {
		return "", err
	}
	var opts sync.QueryOptions
	if request != "" {
		if err := json.Unmarshal([]byte(request), &opts); err != nil {
			return "", fmt.Errorf("decode query: %w", err)
		}
	}
	items, err := e.QueryLocal(context.Background(), opts)
	if err != nil {
		return "", err
	}
	if items == nil {
		items = []models.Entity{}
	}
	return encode(map[string]any{"items": items, "total": len(items)})
}

func (b *bridge) get(collection, id string) (string, error) {
	e, err := b.engine()
	if err != nil {
		return "", err
	}
	entity, err := e.GetLocal(context.Background(), collection, id)
	if err != nil {
		return "", err
	}
	return encode(entity)
}

func (b *bridge) health() (string, error) {
	e, err := b.engine()
	if err != nil {
		return "", err
	}
	h, err := e.SyncHealth(context.Background())
	if err != nil {
		return "", err
	}
	return encode(h)
}

func (b *bridge) activity() error {
	e, err := b.engine()
	if err != nil {
		return err
	}
	e.NotifyActivity()
	e.TriggerPush()
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(data), nil
}
