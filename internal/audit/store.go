package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("audit: not found")

// Entry is one outbox row. The message payload is immutable once written;
// only IsSent transitions false to true before the row is eventually purged.
type Entry struct {
	ID        string
	Message   []byte
	IsSent    bool
	CreatedAt time.Time
}

// EntryStore persists the audit outbox.
type EntryStore interface {
	// AppendTx writes an entry inside the caller's transaction, so a
	// success event commits or rolls back together with its mutation.
	AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error
	// Append writes an entry with its own commit boundary, used for
	// FORBIDDEN events after the action's transaction rolled back.
	Append(ctx context.Context, e *Entry) error
	ListUnsent(ctx context.Context) ([]*Entry, error)
	MarkSent(ctx context.Context, id string) error
	PurgeSent(ctx context.Context, olderThan time.Time) (int, error)
	CountUnsent(ctx context.Context) (int, error)
}
