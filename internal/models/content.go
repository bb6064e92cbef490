// Package models provides data model definitions for the NightPress engine.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// ContentType identifies the kind of content awaiting publication.
type ContentType string

const (
	ContentTypePost    ContentType = "post"
	ContentTypeComment ContentType = "comment"
)

// ContentStatus represents the publication lifecycle of a content item.
type ContentStatus string

const (
	ContentStatusScheduled  ContentStatus = "scheduled"
	ContentStatusPublishing ContentStatus = "publishing"
	ContentStatusPublished  ContentStatus = "published"
	ContentStatusCancelled  ContentStatus = "cancelled"
	ContentStatusFailed     ContentStatus = "failed"
)

// ScheduledContent represents a unit of content awaiting publication.
// Version is monotonic: it only increases, and a server payload carrying a
// lower version is never applied without going through conflict resolution.
type ScheduledContent struct {
	ID              UUID          `db:"id" json:"id"`
	Type            ContentType   `db:"type" json:"type"`
	Content         string        `db:"content" json:"content"`
	PublishAt       int64         `db:"publish_at" json:"publish_at"`
	Status          ContentStatus `db:"status" json:"status"`
	AuthorID        string        `db:"author_id" json:"author_id"`
	Version         int           `db:"version" json:"version"`
	HasActiveUpdate bool          `db:"has_active_update" json:"has_active_update"`
	LastModified    int64         `db:"last_modified" json:"last_modified"`
}

// TableName returns the table name for ScheduledContent.
func (ScheduledContent) TableName() string {
	return "offline_content"
}

// PublishAtTime returns PublishAt as time.Time.
func (c *ScheduledContent) PublishAtTime() time.Time {
	return time.Unix(c.PublishAt, 0)
}

// LastModifiedTime returns LastModified as time.Time.
func (c *ScheduledContent) LastModifiedTime() time.Time {
	return time.Unix(c.LastModified, 0)
}

// Touch updates the LastModified timestamp and bumps the version.
func (c *ScheduledContent) Touch() {
	c.LastModified = time.Now().Unix()
	c.Version++
}

// Clone returns a copy of the content suitable for snapshotting at
// enqueue time.
func (c *ScheduledContent) Clone() *ScheduledContent {
	cp := *c
	return &cp
}
