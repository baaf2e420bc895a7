package models

import "time"

// PullCursor is the per-owner position and pacing of the Pull Service.
type PullCursor struct {
	Owner          string        `db:"owner" json:"owner"`
	LastPullTime   int64         `db:"last_pull_time" json:"lastPullTime"` // unix milliseconds, server clock
	Interval       time.Duration `db:"interval_ms" json:"interval"`
	NoChangeStreak int           `db:"no_change_streak" json:"noChangeStreak"`
}

// PushState is the Push Worker's view of its own activity.
type PushState struct {
	IsSyncing         bool       `json:"isSyncing"`
	QuotaBlockedUntil *time.Time `json:"quotaBlockedUntil,omitempty"`
}

// QuotaBlocked reports whether pushes are suspended at now.
func (s PushState) QuotaBlocked(now time.Time) bool {
	return s.QuotaBlockedUntil != nil && now.Before(*s.QuotaBlockedUntil)
}

// SyncHealth is the caller-facing summary of sync progress.
type SyncHealth struct {
	Owner             string        `json:"owner"`
	PendingCount      int           `json:"pendingCount"`
	IsSyncing         bool          `json:"isSyncing"`
	QuotaBlocked      bool          `json:"quotaBlocked"`
	QuotaBlockedUntil *time.Time    `json:"quotaBlockedUntil,omitempty"`
	AbandonedCount    int           `json:"abandonedCount"`
	LastPullTime      int64         `json:"lastPullTime"`
	PullInterval      time.Duration `json:"pullInterval"`
}

// AccountTier is the subscription level of an owner.
type AccountTier string

const (
	TierTrial   AccountTier = "trial"
	TierExpired AccountTier = "expired"
	TierActive  AccountTier = "active"
)

// AllowsRemoteSync reports whether the tier may push to the remote backend.
func (t AccountTier) AllowsRemoteSync() bool {
	return t == TierActive
}
