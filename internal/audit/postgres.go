package audit

import (
	"context"
	"database/sql"
	"time"

	"atv.dev/internal/ids"
)

// PGEntryStore stores the outbox in audit_log_entries. Entries keep no
// foreign keys so they outlive whatever rows they describe.
type PGEntryStore struct {
	db *sql.DB
}

var _ EntryStore = (*PGEntryStore)(nil)

func NewPGEntryStore(db *sql.DB) *PGEntryStore {
	return &PGEntryStore{db: db}
}

const insertEntry = `
	insert into audit_log_entries(id, message, is_sent, created_at)
	values ($1, $2, false, now())
	returning created_at
`

func (s *PGEntryStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	return tx.QueryRowContext(ctx, insertEntry, e.ID, e.Message).Scan(&e.CreatedAt)
}

func (s *PGEntryStore) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, insertEntry, e.ID, e.Message).Scan(&e.CreatedAt)
}

func (s *PGEntryStore) ListUnsent(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, message, is_sent, created_at
		from audit_log_entries
		where is_sent = false
		order by created_at asc, id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Message, &e.IsSent, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PGEntryStore) MarkSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update audit_log_entries set is_sent = true where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGEntryStore) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from audit_log_entries where is_sent = true and created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PGEntryStore) CountUnsent(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from audit_log_entries where is_sent = false`).Scan(&n)
	return n, err
}
