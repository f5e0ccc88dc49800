package queue

import "time"

type State string

const (
	StatePending State = "pending"
	StateClaimed State = "claimed"
	StateDone    State = "done"
	StateFailed  State = "failed"
	StateDead    State = "dead"
)

// Item is one accepted update. ExternalID is the platform-assigned update
// identifier and is unique per logical update; Payload is never interpreted
// by the queue.
type Item struct {
	ID            string
	ExternalID    string
	Payload       []byte
	State         State
	Attempts      int
	ReceivedAt    time.Time
	NextAttemptAt time.Time
	LastError     string
}

// MaxLastErrorBytes bounds the stored diagnostic string.
const MaxLastErrorBytes = 512

type SuspicionReason string

const (
	ReasonSecretMismatch SuspicionReason = "secret_mismatch"
	ReasonDuplicateFlood SuspicionReason = "duplicate_flood"
)

// SuspicionRecord is an append-only abuse signal. Records are written by the
// ingress path and read by external monitoring; the core never mutates them.
type SuspicionRecord struct {
	ID         string
	Reason     SuspicionReason
	SourceKey  string
	Detail     string
	OccurredAt time.Time
}

type Stats struct {
	// Depth counts everything not yet terminal: pending, failed, claimed.
	Depth   int
	ByState map[State]int

	OldestPendingReceivedAt time.Time
	OldestPendingAge        time.Duration
	// ReadyLag is how far behind the workers are on the earliest
	// claim-eligible item.
	ReadyLag time.Duration
}

// Store is the durable queue contract. Implementations must make ClaimBatch
// atomic so that two concurrent callers, in the same process or not, never
// receive overlapping items.
type Store interface {
	// Enqueue inserts a pending item if its ExternalID is new and is a
	// no-op for an ExternalID that already exists, whatever its state.
	Enqueue(item Item) error
	// ClaimBatch selects up to limit items with state pending or failed
	// and next_attempt_at <= now, transitions them to claimed, and
	// returns them. An empty result is not an error.
	ClaimBatch(limit int, now time.Time) ([]Item, error)
	// Ack transitions claimed -> done. Acking a done item is a no-op;
	// an unknown id is ErrNotFound.
	Ack(id string) error
	// Fail transitions claimed -> failed with next_attempt_at = now +
	// the store's configured failure delay, recording attempts and a
	// truncated error string.
	Fail(id string, attempts int, errMsg string, now time.Time) error
	// MarkDead transitions claimed -> dead (terminal). Used only when a
	// max-attempts policy is configured.
	MarkDead(id string, attempts int, errMsg string, now time.Time) error
	Stats(now time.Time) (Stats, error)

	RecordSuspicion(rec SuspicionRecord) error
	ListSuspicions(limit int) ([]SuspicionRecord, error)

	ListDead(limit int) ([]Item, error)
	RequeueDead(ids []string) (int, error)

	Close() error
}
