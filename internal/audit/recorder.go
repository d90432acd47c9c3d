package audit

import (
	"context"
	"database/sql"
	"time"

	"atv.dev/internal/apierror"
	"atv.dev/internal/obs"
)

// ActionFunc performs one recorded action inside the transaction the
// recorder opened. Returning a non-nil target replaces the target the
// caller declared, for actions whose target id is only known afterwards
// (e.g. a freshly created document).
type ActionFunc func(ctx context.Context, tx *sql.Tx) (*Target, error)

// Recorder wraps mutations and reads into audited actions. A successful
// action commits its audit entry in the same transaction as its effects;
// an authorization failure rolls the action back and records a FORBIDDEN
// entry with its own commit boundary. Any other failure rolls back and
// leaves no trace in the log.
type Recorder struct {
	db      *sql.DB
	entries EntryStore
	origin  string
	now     func() time.Time
}

type RecorderOption func(*Recorder)

// WithRecorderClock overrides the event timestamp source in tests.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(db *sql.DB, entries EntryStore, origin string, opts ...RecorderOption) *Recorder {
	r := &Recorder{db: db, entries: entries, origin: origin, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordAction runs body inside a transaction and writes the audit entry
// describing it. The actor snapshot is taken by the caller before any
// state changes, so the entry describes who acted, not who remains.
func (r *Recorder) RecordAction(ctx context.Context, actor Actor, op Operation, target Target, info string, body ActionFunc) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	resolved, err := body(ctx, tx)
	if resolved != nil {
		target = *resolved
	}
	if err != nil {
		if apierror.IsAuthzFailure(err) {
			// The action's transaction is dead; the FORBIDDEN entry
			// must survive on its own.
			_ = tx.Rollback()
			if auditErr := r.append(ctx, nil, actor, op, target, info, StatusForbidden); auditErr != nil {
				obs.LogJSON(map[string]any{
					"level": "error",
					"msg":   "forbidden audit entry write failed",
					"error": auditErr.Error(),
				})
			}
		}
		return err
	}

	if err := r.append(ctx, tx, actor, op, target, info, StatusSuccess); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Recorder) append(ctx context.Context, tx *sql.Tx, actor Actor, op Operation, target Target, info string, status Status) error {
	event := Event{
		Origin:                r.origin,
		Status:                status,
		Time:                  r.now(),
		Actor:                 actor,
		Operation:             op,
		AdditionalInformation: info,
		Target:                target,
	}
	message, err := event.Message()
	if err != nil {
		return err
	}
	entry := &Entry{Message: message}
	if tx != nil {
		err = r.entries.AppendTx(ctx, tx, entry)
	} else {
		err = r.entries.Append(ctx, entry)
	}
	if err != nil {
		return err
	}
	obs.ObserveAuditEntry(string(status))
	return nil
}
