// Package telemetry provides opt-in, in-process sync counters.
//
// Nothing is ever transmitted: counters live in memory and are exposed only
// through Snapshot (served by the local health endpoint). A disabled Recorder
// ignores every call, and a nil *Recorder is a valid disabled recorder.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
)

// Well-known counter names.
const (
	CommitsPushed    = "push.commits_pushed"
	CommitsRetried   = "push.commits_retried"
	CommitsAbandoned = "push.commits_abandoned"
	QuotaTrips       = "push.quota_trips"
	EntitiesMerged   = "pull.entities_merged"
	EntitiesSkipped  = "pull.entities_skipped"
	CommitsCompacted = "compactor.commits_deleted"
	Errors           = "errors"
)

// Recorder accumulates counters and timings.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	counts  map[string]int64
	timings map[string]Timing
}

// Timing aggregates observed durations for one name.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// New creates a Recorder. Collection happens only when enabled is true.
func New(enabled bool) *Recorder {
	return &Recorder{
		enabled: enabled,
		counts:  make(map[string]int64),
		timings: make(map[string]Timing),
	}
}

// IsEnabled reports whether the user opted in.
func (r *Recorder) IsEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetEnabled toggles collection. Disabling discards collected data.
func (r *Recorder) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	if !enabled {
		r.counts = make(map[string]int64)
		r.timings = make(map[string]Timing)
	}
}

// RecordCount adds delta to the named counter. Tags are folded into the
// counter name as name{k=v,...} in key order.
func (r *Recorder) RecordCount(name string, delta int, tags map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.counts[withTags(name, tags)] += int64(delta)
}

// RecordTiming adds one observation to the named timing.
func (r *Recorder) RecordTiming(name string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	t := r.timings[name]
	t.Count++
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
	r.timings[name] = t
}

// TrackError counts err under its application error code.
func (r *Recorder) TrackError(err error) {
	if err == nil {
		return
	}
	r.RecordCount(Errors, 1, map[string]string{"code": string(apperrors.CodeOf(err))})
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Enabled bool              `json:"enabled"`
	Counts  map[string]int64  `json:"counts"`
	Timings map[string]Timing `json:"timings"`
}

// Snapshot returns a copy of the collected data.
func (r *Recorder) Snapshot() Snapshot {
	out := Snapshot{Counts: map[string]int64{}, Timings: map[string]Timing{}}
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out.Enabled = r.enabled
	for k, v := range r.counts {
		out.Counts[k] = v
	}
	for k, v := range r.timings {
		out.Timings[k] = v
	}
	return out
}

// Count returns a single counter value.
func (r *Recorder) Count(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func withTags(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
