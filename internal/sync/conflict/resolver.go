// Package conflict decides whether a pulled remote snapshot may overwrite the
// local one. Conflicts are avoided, never merged: a document with a pending
// local commit keeps its local state.
package conflict

import (
	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/models"
)

// Action is the outcome of a pull decision.
type Action string

const (
	// ActionApply writes the remote snapshot into the local store.
	ActionApply Action = "apply"
	// ActionSkipPending keeps local state because it has an unsynced commit.
	ActionSkipPending Action = "skip_pending"
	// ActionSkipLocalNewer keeps local state because its version is ahead.
	ActionSkipLocalNewer Action = "skip_local_newer"
	// ActionUnchanged means local already holds this version.
	ActionUnchanged Action = "unchanged"
	// ActionIgnoreDeleted drops a remote snapshot flagged as deleted.
	ActionIgnoreDeleted Action = "ignore_deleted"
)

// Decision is the verdict for one remote snapshot.
type Decision struct {
	Action      Action
	ConflictLog *models.ConflictLog // set for skips worth recording
}

// Merged reports whether the decision changes the local store.
func (d Decision) Merged() bool {
	return d.Action == ActionApply
}

// Candidate is a remote snapshot together with what the local side knows about it.
type Candidate struct {
	Remote  *models.Entity
	Local   *models.Entity // nil when the document is not stored locally
	Pending bool           // the document has an unsynced local commit
}

// Resolver applies skip-if-pending, then the version rule.
type Resolver struct {
	clock clock.Clock
}

// NewResolver creates a Resolver. A nil clock uses the system clock.
func NewResolver(clk clock.Clock) *Resolver {
	return &Resolver{clock: clock.OrSystem(clk)}
}

// Decide returns what the Pull Service should do with c.Remote.
func (r *Resolver) Decide(c Candidate) (Decision, error) {
	if c.Remote == nil {
		return Decision{}, ErrInvalidCandidate
	}
	if c.Local != nil && (c.Local.ID != c.Remote.ID || c.Local.Collection != c.Remote.Collection) {
		return Decision{}, ErrItemIDMismatch
	}

	if c.Pending {
		return Decision{Action: ActionSkipPending, ConflictLog: r.log(c, models.ResolutionLocalPending)}, nil
	}
	if c.Remote.IsDeleted {
		return Decision{Action: ActionIgnoreDeleted}, nil
	}
	if c.Local == nil {
		return Decision{Action: ActionApply}, nil
	}

	switch {
	case c.Remote.Version > c.Local.Version:
		return Decision{Action: ActionApply}, nil
	case c.Remote.Version == c.Local.Version:
		return Decision{Action: ActionUnchanged}, nil
	default:
		return Decision{Action: ActionSkipLocalNewer, ConflictLog: r.log(c, models.ResolutionLocalNewer)}, nil
	}
}

// DecideAll decides every candidate in order.
func (r *Resolver) DecideAll(candidates []Candidate) ([]Decision, error) {
	out := make([]Decision, 0, len(candidates))
	for _, c := range candidates {
		d, err := r.Decide(c)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Resolver) log(c Candidate, resolution string) *models.ConflictLog {
	entry := &models.ConflictLog{
		Owner:           c.Remote.Owner,
		Collection:      c.Remote.Collection,
		ItemID:          c.Remote.ID,
		RemoteVersion:   c.Remote.Version,
		RemoteTimestamp: c.Remote.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      r.clock.Now().UnixMilli(),
	}
	if c.Local != nil {
		entry.LocalVersion = c.Local.Version
		entry.LocalTimestamp = c.Local.UpdatedAt
	}
	return entry
}

// Errors
var (
	ErrInvalidCandidate = &ConflictError{Message: "invalid candidate: remote snapshot must be non-nil"}
	ErrItemIDMismatch   = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
