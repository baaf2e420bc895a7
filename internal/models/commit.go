package models

import (
	"fmt"
	"time"
)

// CommitType is the kind of mutation a commit records.
type CommitType string

const (
	CommitCreate          CommitType = "create"
	CommitUpdate          CommitType = "update"
	CommitDelete          CommitType = "delete"
	CommitRestore         CommitType = "restore"
	CommitPermanentDelete CommitType = "permanent-delete"
)

// Valid reports whether t is a known commit type.
func (t CommitType) Valid() bool {
	switch t {
	case CommitCreate, CommitUpdate, CommitDelete, CommitRestore, CommitPermanentDelete:
		return true
	}
	return false
}

// ParseCommitType converts s into a CommitType.
func ParseCommitType(s string) (CommitType, error) {
	t := CommitType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown commit type %q", s)
	}
	return t, nil
}

// Commit is one durable record of a local mutation awaiting remote application.
type Commit struct {
	Seq        int64      `db:"seq" json:"-"`
	ID         string     `db:"id" json:"id"`
	Type       CommitType `db:"type" json:"type"`
	Collection string     `db:"collection" json:"collection"`
	DocID      string     `db:"doc_id" json:"docId"`
	Payload    Fields     `db:"payload" json:"payload"`
	Version    int        `db:"version" json:"version"`
	Owner      string     `db:"owner" json:"owner"`
	Timestamp  int64      `db:"timestamp" json:"timestamp"` // unix milliseconds, FIFO key
	Synced     bool       `db:"synced" json:"synced"`
	SyncedAt   *int64     `db:"synced_at" json:"syncedAt,omitempty"`
	Retries    int        `db:"retries" json:"retries"`
	LastError  string     `db:"last_error" json:"lastError,omitempty"`
	Abandoned  bool       `db:"abandoned" json:"abandoned"`
}

// TableName returns the table name for Commit.
func (Commit) TableName() string {
	return "commits"
}

// Key identifies the document the commit targets.
func (c *Commit) Key() DocKey {
	return DocKey{Collection: c.Collection, ID: c.DocID}
}

// Time returns the Timestamp as time.Time.
func (c *Commit) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// CommitID builds the identifier {collection}-{docId}-{timestampMillis}.
func CommitID(collection, docID string, timestamp int64) string {
	return fmt.Sprintf("%s-%s-%d", collection, docID, timestamp)
}
