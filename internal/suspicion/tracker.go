// Package suspicion records abuse signals for later inspection. Recording is
// pure bookkeeping: nothing here blocks a caller automatically.
package suspicion

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/updategate/internal/queue"
)

// Recorder is the slice of the queue store the tracker needs.
type Recorder interface {
	RecordSuspicion(rec queue.SuspicionRecord) error
}

// Tracker appends suspicion records to the durable log and keeps in-memory
// per-source tallies for the metrics exposition. Persistence is best effort:
// a failed write is logged and the gate's decision stands.
type Tracker struct {
	store  Recorder
	logger *slog.Logger
	nowFn  func() time.Time

	mu       sync.Mutex
	bySource map[string]int64
	byReason map[queue.SuspicionReason]int64
}

type Option func(*Tracker)

func WithNowFunc(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.nowFn = now
		}
	}
}

func NewTracker(store Recorder, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:    store,
		logger:   logger,
		nowFn:    time.Now,
		bySource: make(map[string]int64),
		byReason: make(map[queue.SuspicionReason]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Record(reason queue.SuspicionReason, sourceKey, detail string) {
	now := t.nowFn().UTC()

	t.mu.Lock()
	t.bySource[sourceKey]++
	t.byReason[reason]++
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	rec := queue.SuspicionRecord{
		Reason:     reason,
		SourceKey:  sourceKey,
		Detail:     detail,
		OccurredAt: now,
	}
	if err := t.store.RecordSuspicion(rec); err != nil {
		t.logger.Warn("suspicion_record_failed",
			slog.String("reason", string(reason)),
			slog.String("source_key", sourceKey),
			slog.Any("err", err),
		)
	}
}

// CountByReason returns the in-process tally for one reason.
func (t *Tracker) CountByReason(reason queue.SuspicionReason) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byReason[reason]
}

// Counts returns a copy of the per-source tallies.
func (t *Tracker) Counts() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.bySource))
	for k, v := range t.bySource {
		out[k] = v
	}
	return out
}
