// Package handlers provides the localhost REST API over the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/stocksync/backend/internal/models"
	"github.com/kimhsiao/stocksync/backend/internal/sync"
)

// EntityHandler serves local reads and mutations.
type EntityHandler struct {
	engine sync.SyncEngineInterface
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(engine sync.SyncEngineInterface) *EntityHandler {
	return &EntityHandler{engine: engine}
}

// Mutate handles POST /api/mutations.
// The change is applied locally and queued; the response never waits on the remote.
func (h *EntityHandler) Mutate(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}

	var request struct {
		Type       string        `json:"type"`
		Collection string        `json:"collection"`
		ID         string        `json:"id"`
		Payload    models.Fields `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.engine.EnqueueMutation(r.Context(), sync.Mutation{
		Type:       models.CommitType(request.Type),
		Collection: request.Collection,
		ID:         request.ID,
		Payload:    request.Payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if request.Type == string(models.CommitCreate) {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// List handles GET /api/entities?collection=&include_deleted=
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}

	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	items, err := h.engine.QueryLocal(r.Context(), sync.QueryOptions{
		Collection:     r.URL.Query().Get("collection"),
		ExcludeDeleted: !includeDeleted,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Entity{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// Get handles GET /api/entities/{collection}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}

	collection, id := r.PathValue("collection"), r.PathValue("id")
	if collection == "" || id == "" {
		http.Error(w, "collection and id are required", http.StatusBadRequest)
		return
	}

	entity, err := h.engine.GetLocal(r.Context(), collection, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}
