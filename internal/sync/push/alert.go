package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/logging"
)

// QuotaAlert is the operator-facing signal raised when the remote backend
// reports quota exhaustion.
type QuotaAlert struct {
	Owner        string    `json:"owner"`
	DetectedAt   time.Time `json:"detectedAt"`
	BlockedUntil time.Time `json:"blockedUntil"`
	Reason       string    `json:"reason"`
}

// AlertSink receives quota alerts.
type AlertSink interface {
	QuotaExceeded(ctx context.Context, alert QuotaAlert)
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(ctx context.Context, alert QuotaAlert)

// QuotaExceeded implements AlertSink.
func (f AlertSinkFunc) QuotaExceeded(ctx context.Context, alert QuotaAlert) {
	f(ctx, alert)
}

// LogAlertSink writes alerts to the error log.
type LogAlertSink struct {
	Logger *slog.Logger
}

// QuotaExceeded implements AlertSink.
func (s LogAlertSink) QuotaExceeded(ctx context.Context, alert QuotaAlert) {
	logging.OrDefault(s.Logger).ErrorContext(ctx, "remote quota exhausted, push suspended",
		"owner", alert.Owner,
		"blocked_until", alert.BlockedUntil,
		"reason", alert.Reason,
	)
}

// QuotaAlerter forwards at most one alert per window to its sinks.
type QuotaAlerter struct {
	sinks  []AlertSink
	window time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	last time.Time
}

// NewQuotaAlerter creates a QuotaAlerter. A non-positive window defaults to 24h.
func NewQuotaAlerter(window time.Duration, clk clock.Clock, sinks ...AlertSink) *QuotaAlerter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &QuotaAlerter{sinks: sinks, window: window, clock: clock.OrSystem(clk)}
}

// AddSink registers another sink.
func (a *QuotaAlerter) AddSink(s AlertSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, s)
}

// Alert delivers alert unless one was already delivered within the window.
// It reports whether the alert was delivered.
func (a *QuotaAlerter) Alert(ctx context.Context, alert QuotaAlert) bool {
	a.mu.Lock()
	now := a.clock.Now()
	if !a.last.IsZero() && now.Before(a.last.Add(a.window)) {
		a.mu.Unlock()
		return false
	}
	a.last = now
	sinks := append([]AlertSink(nil), a.sinks...)
	a.mu.Unlock()

	for _, s := range sinks {
		s.QuotaExceeded(ctx, alert)
	}
	return true
}
