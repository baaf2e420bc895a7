package handlers

import (
	"net/http"

	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync"
)

// SyncHandler serves sync status and operator actions.
type SyncHandler struct {
	engine sync.SyncEngineInterface
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngineInterface) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// GetHealth handles GET /api/sync/health
func (h *SyncHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}

	health, err := h.engine.SyncHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.engine.CommitStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"health":      health,
		"commitStats": stats,
	})
}

// Activity handles POST /api/sync/activity
// The UI calls it on user interaction so remote changes are fetched sooner.
func (h *SyncHandler) Activity(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	h.engine.NotifyActivity()
	w.WriteHeader(http.StatusNoContent)
}

// TriggerPush handles POST /api/sync/push
func (h *SyncHandler) TriggerPush(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	h.engine.TriggerPush()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

// PullNow handles POST /api/sync/pull
func (h *SyncHandler) PullNow(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	result, err := h.engine.PullNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListConflicts handles GET /api/sync/conflicts?limit=
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	logs, err := h.engine.ConflictLogs(r.Context(), parseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": logs})
}

// ListAbandoned handles GET /api/sync/abandoned?limit=
func (h *SyncHandler) ListAbandoned(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	commits, err := h.engine.AbandonedCommits(r.Context(), parseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if commits == nil {
		commits = []models.Commit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

// GetTelemetry handles GET /api/sync/telemetry
func (h *SyncHandler) GetTelemetry(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Telemetry())
}
