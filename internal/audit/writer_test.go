package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

type memEntryStore struct {
	entries []*Entry
	purged  time.Time
}

func (m *memEntryStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memEntryStore) Append(ctx context.Context, e *Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memEntryStore) ListUnsent(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if !e.IsSent {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEntryStore) MarkSent(ctx context.Context, id string) error {
	for _, e := range m.entries {
		if e.ID == id {
			e.IsSent = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memEntryStore) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	m.purged = olderThan
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.IsSent && e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *memEntryStore) CountUnsent(ctx context.Context) (int, error) {
	n := 0
	for _, e := range m.entries {
		if !e.IsSent {
			n++
		}
	}
	return n, nil
}

type fakeSink struct {
	indexed [][]byte
	failAt  int
}

func (s *fakeSink) Index(ctx context.Context, message []byte) error {
	if s.failAt > 0 && len(s.indexed)+1 == s.failAt {
		return errors.New("sink unavailable")
	}
	s.indexed = append(s.indexed, message)
	return nil
}

func TestSendUnsentDelivers(t *testing.T) {
	store := &memEntryStore{entries: []*Entry{
		{ID: "a", Message: []byte(`{"n":1}`)},
		{ID: "b", Message: []byte(`{"n":2}`)},
		{ID: "c", Message: []byte(`{"n":3}`), IsSent: true},
	}}
	sink := &fakeSink{}
	w := NewWriter(store, sink, true, true, time.Hour)

	sent, err := w.SendUnsent(context.Background())
	if err != nil {
		t.Fatalf("SendUnsent: %v", err)
	}
	if sent != 2 || len(sink.indexed) != 2 {
		t.Fatalf("sent = %d, indexed = %d", sent, len(sink.indexed))
	}
	if n, _ := store.CountUnsent(context.Background()); n != 0 {
		t.Fatalf("unsent after send = %d", n)
	}
}

func TestSendUnsentSinkFailureKeepsRemainder(t *testing.T) {
	store := &memEntryStore{entries: []*Entry{
		{ID: "a", Message: []byte(`{"n":1}`)},
		{ID: "b", Message: []byte(`{"n":2}`)},
	}}
	sink := &fakeSink{failAt: 2}
	w := NewWriter(store, sink, true, true, time.Hour)

	sent, err := w.SendUnsent(context.Background())
	if err == nil {
		t.Fatal("want sink error")
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if n, _ := store.CountUnsent(context.Background()); n != 1 {
		t.Fatalf("unsent after partial send = %d", n)
	}
}

func TestSendUnsentDisabled(t *testing.T) {
	store := &memEntryStore{entries: []*Entry{{ID: "a", Message: []byte(`{}`)}}}
	sink := &fakeSink{}
	w := NewWriter(store, sink, false, true, time.Hour)

	sent, err := w.SendUnsent(context.Background())
	if err != nil || sent != 0 {
		t.Fatalf("sent = %d, err = %v", sent, err)
	}
	if len(sink.indexed) != 0 {
		t.Fatal("disabled writer reached the sink")
	}
}

func TestClearSentHonorsRetention(t *testing.T) {
	now := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &memEntryStore{entries: []*Entry{
		{ID: "old", IsSent: true, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "fresh", IsSent: true, CreatedAt: now.Add(-time.Hour)},
		{ID: "pending", IsSent: false, CreatedAt: now.Add(-48 * time.Hour)},
	}}
	w := NewWriter(store, &fakeSink{}, true, true, 24*time.Hour,
		WithWriterClock(func() time.Time { return now }))

	removed, err := w.ClearSent(context.Background())
	if err != nil {
		t.Fatalf("ClearSent: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if want := now.Add(-24 * time.Hour); !store.purged.Equal(want) {
		t.Fatalf("purge cutoff = %v, want %v", store.purged, want)
	}
	if len(store.entries) != 2 {
		t.Fatalf("entries left = %d", len(store.entries))
	}
}

func TestClearSentDisabled(t *testing.T) {
	store := &memEntryStore{entries: []*Entry{{ID: "old", IsSent: true}}}
	w := NewWriter(store, &fakeSink{}, true, false, time.Hour)

	removed, err := w.ClearSent(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("removed = %d, err = %v", removed, err)
	}
	if len(store.entries) != 1 {
		t.Fatal("disabled clear removed entries")
	}
}
