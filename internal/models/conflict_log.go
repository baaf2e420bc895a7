package models

import "time"

// Reasons a pulled remote snapshot was not applied locally.
const (
	ResolutionLocalPending = "local_pending"
	ResolutionLocalNewer   = "local_newer"
)

// ConflictLog records a remote snapshot the Pull Service declined to apply.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	Owner           string `db:"owner" json:"owner"`
	Collection      string `db:"collection" json:"collection"`
	ItemID          string `db:"item_id" json:"itemId"`
	LocalVersion    int    `db:"local_version" json:"localVersion"`
	RemoteVersion   int    `db:"remote_version" json:"remoteVersion"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"localTimestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remoteTimestamp"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
