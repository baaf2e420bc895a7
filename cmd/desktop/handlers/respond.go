package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps coded application errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrSyncQuotaExceeded:
		status = http.StatusTooManyRequests
	case apperrors.ErrSyncUnavailable, apperrors.ErrSyncTimeout:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  code,
	})
}

func methodAllowed(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func parseLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
