package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound   = errors.New("item not found")
	ErrNotClaimed = errors.New("item is not claimed")
	ErrEmptyID    = errors.New("empty external id")
)

const defaultFailureDelay = 30 * time.Second

func newHexID(prefix string) string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}

func truncateError(msg string) string {
	if len(msg) <= MaxLastErrorBytes {
		return msg
	}
	return msg[:MaxLastErrorBytes]
}

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithFailureDelay(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.failureDelay = d
		}
	}
}

// MemoryStore keeps the queue in process memory. It implements the full
// Store contract and is used by tests and dev runs; it is durable only for
// the lifetime of the process.
type MemoryStore struct {
	mu           sync.Mutex
	nowFn        func() time.Time
	failureDelay time.Duration
	items        map[string]*Item
	byExternal   map[string]string // external_id -> item_id
	order        []string          // insertion order of item ids
	suspicions   []SuspicionRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:        time.Now,
		failureDelay: defaultFailureDelay,
		items:        make(map[string]*Item),
		byExternal:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *MemoryStore) Enqueue(item Item) error {
	if item.ExternalID == "" {
		return ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExternal[item.ExternalID]; exists {
		// Idempotent re-delivery.
		return nil
	}

	if item.ID == "" {
		item.ID = newHexID("upd_")
	}
	if item.State == "" {
		item.State = StatePending
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = s.now()
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.ReceivedAt
	}
	if item.Payload == nil {
		item.Payload = []byte{}
	}
	item.LastError = truncateError(item.LastError)

	stored := item
	s.items[stored.ID] = &stored
	s.byExternal[stored.ExternalID] = stored.ID
	s.order = append(s.order, stored.ID)
	return nil
}

func (s *MemoryStore) ClaimBatch(limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*Item, 0, limit)
	for _, id := range s.order {
		it := s.items[id]
		if it.State != StatePending && it.State != StateFailed {
			continue
		}
		if it.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, it)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].NextAttemptAt.Equal(eligible[j].NextAttemptAt) {
			return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
		}
		return eligible[i].ReceivedAt.Before(eligible[j].ReceivedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]Item, 0, len(eligible))
	for _, it := range eligible {
		it.State = StateClaimed
		out = append(out, *it)
	}
	return out, nil
}

func (s *MemoryStore) Ack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	switch it.State {
	case StateDone:
		return nil
	case StateClaimed:
		it.State = StateDone
		it.LastError = ""
		return nil
	default:
		return ErrNotClaimed
	}
}

func (s *MemoryStore) Fail(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.State != StateClaimed {
		return ErrNotClaimed
	}
	it.State = StateFailed
	it.Attempts = attempts
	it.LastError = truncateError(errMsg)
	it.NextAttemptAt = now.Add(s.failureDelay).UTC()
	return nil
}

func (s *MemoryStore) MarkDead(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.State != StateClaimed {
		return ErrNotClaimed
	}
	it.State = StateDead
	it.Attempts = attempts
	it.LastError = truncateError(errMsg)
	it.NextAttemptAt = now.UTC()
	return nil
}

func (s *MemoryStore) Stats(now time.Time) (Stats, error) {
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{ByState: map[State]int{
		StatePending: 0,
		StateClaimed: 0,
		StateDone:    0,
		StateFailed:  0,
		StateDead:    0,
	}}

	var oldest time.Time
	var earliestNext time.Time
	for _, id := range s.order {
		it := s.items[id]
		st.ByState[it.State]++
		if it.State != StatePending && it.State != StateFailed {
			continue
		}
		if oldest.IsZero() || it.ReceivedAt.Before(oldest) {
			oldest = it.ReceivedAt
		}
		if earliestNext.IsZero() || it.NextAttemptAt.Before(earliestNext) {
			earliestNext = it.NextAttemptAt
		}
	}

	st.Depth = st.ByState[StatePending] + st.ByState[StateFailed] + st.ByState[StateClaimed]
	st.OldestPendingReceivedAt = oldest
	if !oldest.IsZero() && now.After(oldest) {
		st.OldestPendingAge = now.Sub(oldest)
	}
	if !earliestNext.IsZero() && now.After(earliestNext) {
		st.ReadyLag = now.Sub(earliestNext)
	}
	return st, nil
}

func (s *MemoryStore) RecordSuspicion(rec SuspicionRecord) error {
	if rec.ID == "" {
		rec.ID = newHexID("sus_")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}
	rec.Detail = truncateError(rec.Detail)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspicions = append(s.suspicions, rec)
	return nil
}

func (s *MemoryStore) ListSuspicions(limit int) ([]SuspicionRecord, error) {
	limit = clampListLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SuspicionRecord, 0, limit)
	for i := len(s.suspicions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.suspicions[i])
	}
	return out, nil
}

func (s *MemoryStore) ListDead(limit int) ([]Item, error) {
	limit = clampListLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		it := s.items[s.order[i]]
		if it.State != StateDead {
			continue
		}
		out = append(out, *it)
	}
	return out, nil
}

func (s *MemoryStore) RequeueDead(ids []string) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, id := range normalizeUniqueIDs(ids) {
		it, ok := s.items[id]
		if !ok || it.State != StateDead {
			continue
		}
		it.State = StatePending
		it.NextAttemptAt = now
		it.LastError = ""
		requeued++
	}
	return requeued, nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeUniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
