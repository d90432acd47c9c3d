package documents

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"atv.dev/internal/cryptox"
)

func testBox(t *testing.T) *cryptox.Box {
	t.Helper()
	box, err := cryptox.NewBox(hex.EncodeToString(bytes.Repeat([]byte{0x11}, 32)))
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func newStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	return NewPGStore(db, testBox(t)), mock, func() { db.Close() }
}

func TestSetStatusCreatesRowOnNewValue(t *testing.T) {
	store, mock, done := newStore(t)
	defer done()

	docID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select status from documents where id = \$1 for update`).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("received"))
	mock.ExpectQuery(`insert into status_history`).
		WithArgs(docID, "handled", []byte(`{"fi":"Käsitelty"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "value", "created_at"}).
			AddRow(int64(12), docID, "handled", now))
	mock.ExpectExec(`update documents`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sh, created, err := store.SetStatus(context.Background(), docID, "handled", map[string]string{"fi": "Käsitelty"})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if !created {
		t.Fatal("expected a new status row")
	}
	if sh.Value != "handled" || sh.ID != 12 {
		t.Fatalf("sh = %+v", sh)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSetStatusIdempotentOnSameValue(t *testing.T) {
	store, mock, done := newStore(t)
	defer done()

	docID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select status from documents where id = \$1 for update`).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("handled"))
	mock.ExpectQuery(`select id, document_id, value, display_values, created_at`).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "value", "display_values", "created_at"}).
			AddRow(int64(12), docID, "handled", []byte(`{}`), now))
	mock.ExpectCommit()

	sh, created, err := store.SetStatus(context.Background(), docID, "handled", nil)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if created {
		t.Fatal("same value must not create a row")
	}
	if sh.ID != 12 {
		t.Fatalf("sh = %+v", sh)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSetStatusMissingDocument(t *testing.T) {
	store, mock, done := newStore(t)
	defer done()

	docID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`select status from documents where id = \$1 for update`).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	if _, _, err := store.SetStatus(context.Background(), docID, "handled", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSweepExpiredRemovesRowsAndReturnsPaths(t *testing.T) {
	store, mock, done := newStore(t)
	defer done()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`select path from attachments`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("a/1.bin").AddRow("a/2.bin"))
	mock.ExpectExec(`delete from documents where delete_after is not null`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, paths, err := store.SweepExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 3 || len(paths) != 2 {
		t.Fatalf("n=%d paths=%v", n, paths)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetOutOfScopeReadsAsMissing(t *testing.T) {
	store, _, done := newStore(t)
	defer done()

	if _, err := store.Get(context.Background(), uuid.New(), Scope{Empty: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListEmptyScopeReturnsNothing(t *testing.T) {
	store, _, done := newStore(t)
	defer done()

	docs, total, err := store.List(context.Background(), Scope{Empty: true}, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if docs != nil || total != 0 {
		t.Fatalf("docs=%v total=%d", docs, total)
	}
}

func TestDeleteMissingDocument(t *testing.T) {
	store, mock, done := newStore(t)
	defer done()

	docID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery(`select path from attachments`).
		WithArgs(docID).
		WillReturnRows(sqlmock.NewRows([]string{"path"}))
	mock.ExpectExec(`delete from documents where id`).
		WithArgs(docID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if _, err := store.Delete(context.Background(), docID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
