// Package models provides data model definitions for the stocksync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Fields holds the domain attributes of an entity or the payload of a commit.
// It is stored as a JSON object.
type Fields map[string]any

// Value implements driver.Valuer for Fields.
func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for Fields.
func (f *Fields) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*f = Fields{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Fields", value)
	}
	out := Fields{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	*f = out
	return nil
}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// Number returns the named field as a float64 if it holds a JSON number.
func (f Fields) Number(name string) (float64, bool) {
	switch v := f[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Entity is a domain record (stock item, supplier, ...) scoped to an owner.
type Entity struct {
	ID         string `db:"id" json:"id"`
	Collection string `db:"collection" json:"collection"`
	Owner      string `db:"owner" json:"owner"`
	Fields     Fields `db:"fields" json:"fields"`
	Version    int    `db:"version" json:"version"`
	UpdatedAt  int64  `db:"updated_at" json:"updatedAt"` // unix milliseconds
	IsDeleted  bool   `db:"is_deleted" json:"isDeleted"`
}

// TableName returns the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// Key identifies the entity within the local store.
func (e *Entity) Key() DocKey {
	return DocKey{Collection: e.Collection, ID: e.ID}
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Touch bumps the version and stamps the update time.
func (e *Entity) Touch(now time.Time) {
	e.Version++
	e.UpdatedAt = now.UnixMilli()
}

// Clone returns a copy of e whose Fields map is independent of the original.
func (e Entity) Clone() Entity {
	e.Fields = e.Fields.Clone()
	return e
}

// DocKey addresses a single document across collections.
type DocKey struct {
	Collection string
	ID         string
}

// String renders the key as collection/id.
func (k DocKey) String() string {
	return k.Collection + "/" + k.ID
}
