package audit

import (
	"context"
	"time"

	"atv.dev/internal/obs"
)

// Writer drains the outbox to the sink and trims delivered entries. Both
// operations are gated by deployment flags so environments without a log
// sink accumulate nothing but local rows.
type Writer struct {
	entries      EntryStore
	sink         Sink
	sendEnabled  bool
	purgeEnabled bool
	retention    time.Duration
	now          func() time.Time
}

type WriterOption func(*Writer)

func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

func NewWriter(entries EntryStore, sink Sink, sendEnabled, purgeEnabled bool, retention time.Duration, opts ...WriterOption) *Writer {
	w := &Writer{
		entries:      entries,
		sink:         sink,
		sendEnabled:  sendEnabled,
		purgeEnabled: purgeEnabled,
		retention:    retention,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SendUnsent ships unsent entries in creation order and marks each one
// sent only after the sink accepted it. A sink failure stops the batch;
// remaining entries stay unsent and are retried on the next run. Returns
// the number of entries delivered.
func (w *Writer) SendUnsent(ctx context.Context) (int, error) {
	if !w.sendEnabled {
		obs.LogJSON(map[string]any{"level": "info", "msg": "audit log sending is disabled"})
		return 0, nil
	}

	pending, err := w.entries.ListUnsent(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range pending {
		if err := w.sink.Index(ctx, entry.Message); err != nil {
			w.reportBacklog(ctx)
			return sent, err
		}
		if err := w.entries.MarkSent(ctx, entry.ID); err != nil {
			return sent, err
		}
		sent++
	}
	w.reportBacklog(ctx)
	return sent, nil
}

// ClearSent deletes delivered entries older than the retention window.
// Returns the number of entries removed.
func (w *Writer) ClearSent(ctx context.Context) (int, error) {
	if !w.purgeEnabled {
		obs.LogJSON(map[string]any{"level": "info", "msg": "audit log clearing is disabled"})
		return 0, nil
	}
	return w.entries.PurgeSent(ctx, w.now().Add(-w.retention))
}

func (w *Writer) reportBacklog(ctx context.Context) {
	if n, err := w.entries.CountUnsent(ctx); err == nil {
		obs.SetAuditBacklog(n)
	}
}
