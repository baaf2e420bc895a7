package pull

import (
	"context"
	"log/slog"

	"github.com/kimhsiao/stocksync/backend/internal/config"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// MergeHook observes snapshots written by a pull. Before is nil for documents
// that were not stored locally. Hooks run after the cycle's writes are committed.
type MergeHook interface {
	Merged(ctx context.Context, before *models.Entity, after models.Entity)
}

// MergeHookFunc adapts a function to MergeHook.
type MergeHookFunc func(ctx context.Context, before *models.Entity, after models.Entity)

// Merged implements MergeHook.
func (f MergeHookFunc) Merged(ctx context.Context, before *models.Entity, after models.Entity) {
	f(ctx, before, after)
}

// LowStockEvent reports a document whose numeric field fell below the threshold.
type LowStockEvent struct {
	Owner      string  `json:"owner"`
	Collection string  `json:"collection"`
	ID         string  `json:"id"`
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
}

// LowStockSink receives low-stock events.
type LowStockSink interface {
	LowStock(ctx context.Context, event LowStockEvent)
}

// LowStockSinkFunc adapts a function to LowStockSink.
type LowStockSinkFunc func(ctx context.Context, event LowStockEvent)

// LowStock implements LowStockSink.
func (f LowStockSinkFunc) LowStock(ctx context.Context, event LowStockEvent) {
	f(ctx, event)
}

// LowStockNotifier is a MergeHook that fires when a pulled snapshot crosses
// below the threshold. Documents already below it stay quiet.
type LowStockNotifier struct {
	Field     string
	Threshold float64
	Sinks     []LowStockSink
	Logger    *slog.Logger
}

// NewLowStockNotifier builds a notifier from configuration.
func NewLowStockNotifier(cfg config.NotifyConfig, logger *slog.Logger, sinks ...LowStockSink) *LowStockNotifier {
	field := cfg.LowStockField
	if field == "" {
		field = "stock"
	}
	return &LowStockNotifier{
		Field:     field,
		Threshold: cfg.LowStockThreshold,
		Sinks:     sinks,
		Logger:    logging.Component(logger, "low_stock"),
	}
}

// Merged implements MergeHook.
func (n *LowStockNotifier) Merged(ctx context.Context, before *models.Entity, after models.Entity) {
	value, ok := after.Fields.Number(n.Field)
	if !ok || after.IsDeleted || value >= n.Threshold {
		return
	}
	if before != nil && !before.IsDeleted {
		if prev, ok := before.Fields.Number(n.Field); ok && prev < n.Threshold {
			return
		}
	}

	event := LowStockEvent{
		Owner:      after.Owner,
		Collection: after.Collection,
		ID:         after.ID,
		Field:      n.Field,
		Value:      value,
		Threshold:  n.Threshold,
	}
	logging.OrDefault(n.Logger).InfoContext(ctx, "low stock detected",
		"doc", after.Key().String(), "value", value, "threshold", n.Threshold)
	for _, s := range n.Sinks {
		s.LowStock(ctx, event)
	}
}
