// Package documents implements the document store: rows scoped per service,
// append-only status history, attachments, and the lifecycle rules that
// govern mutation of drafts, locked and non-deletable documents.
package documents

import (
	"time"

	"github.com/google/uuid"
)

// Document is the central entity. Content is stored encrypted and is opaque
// to the system; metadata is service-supplied and queryable.
type Document struct {
	ID        uuid.UUID
	ServiceID int64
	// UserID is nil for documents without an owning user (service-only
	// documents, or documents anonymized on user request).
	UserID *uuid.UUID

	BusinessID    string
	TransactionID string
	TOSFunctionID string
	TOSRecordID   string

	Draft bool
	// LockedAfter nil means the document never locks.
	LockedAfter *time.Time
	Deletable   bool
	// DeleteAfter triggers unconditional hard deletion by the retention
	// sweep once the date passes.
	DeleteAfter *time.Time

	HumanReadableType map[string]string
	DocumentLanguage  string
	ContentSchemaURL  string

	Metadata map[string]any
	Content  map[string]any

	// StatusValue and StatusDisplayValues mirror the latest history row.
	StatusValue         string
	StatusDisplayValues map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time

	Attachments []Attachment
}

// Locked reports whether the lock timestamp has passed at t.
func (d *Document) Locked(t time.Time) bool {
	return d.LockedAfter != nil && !t.Before(*d.LockedAfter)
}

// StatusHistory is one status transition of a document. Rows are append-only
// and ordered by creation time; the latest row is the current status.
type StatusHistory struct {
	ID            int64
	DocumentID    uuid.UUID
	Value         string
	DisplayValues map[string]string
	CreatedAt     time.Time

	Activities []Activity
}

// Activity is an optional child of a status row shown in end-user timelines.
type Activity struct {
	ID         int64
	StatusID   int64
	Title      map[string]string
	Message    map[string]string
	Links      map[string]string
	ShowToUser bool
	CreatedAt  time.Time
}

type Attachment struct {
	ID         int64
	DocumentID uuid.UUID
	Filename   string
	MediaType  string
	// Size is derived from the stored file, in bytes.
	Size int64
	// Path is the storage key of the encrypted file.
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
