package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
  id              TEXT PRIMARY KEY,
  external_id     TEXT NOT NULL UNIQUE,
  state           TEXT NOT NULL,
  attempts        INTEGER NOT NULL,
  received_at     TIMESTAMPTZ NOT NULL,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  payload         BYTEA NOT NULL,
  last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON queue_items(state, next_attempt_at, received_at);
CREATE INDEX IF NOT EXISTS idx_queue_state_received_at
  ON queue_items(state, received_at);

CREATE TABLE IF NOT EXISTS suspicion_log (
  id          TEXT PRIMARY KEY,
  reason      TEXT NOT NULL,
  source_key  TEXT NOT NULL,
  detail      TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suspicion_occurred
  ON suspicion_log(occurred_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_suspicion_source
  ON suspicion_log(source_key, occurred_at DESC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresFailureDelay(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.failureDelay = d
		}
	}
}

// PostgresStore is the multi-process backend. ClaimBatch relies on
// FOR UPDATE SKIP LOCKED so concurrent claimers in different processes
// never receive overlapping items.
type PostgresStore struct {
	db           *sql.DB
	nowFn        func() time.Time
	failureDelay time.Duration
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:           db,
		nowFn:        time.Now,
		failureDelay: defaultFailureDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.db.ExecContext(context.Background(), postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *PostgresStore) Enqueue(item Item) error {
	if item.ExternalID == "" {
		return ErrEmptyID
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

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO queue_items (
  id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (external_id) DO NOTHING;
`,
		item.ID,
		item.ExternalID,
		string(item.State),
		item.Attempts,
		item.ReceivedAt,
		item.NextAttemptAt,
		item.Payload,
		truncateError(item.LastError),
	)
	return err
}

func (s *PostgresStore) ClaimBatch(limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
FROM queue_items
WHERE state IN ($1, $2)
  AND next_attempt_at <= $3
ORDER BY next_attempt_at ASC, received_at ASC, id ASC
LIMIT $4
FOR UPDATE SKIP LOCKED;
`,
		string(StatePending),
		string(StateFailed),
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, limit)
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if _, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET state = $1
WHERE id = $2 AND state IN ($3, $4);
`,
			string(StateClaimed),
			out[i].ID,
			string(StatePending),
			string(StateFailed),
		); err != nil {
			return nil, err
		}
		out[i].State = StateClaimed
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *PostgresStore) Ack(id string) error {
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET state = $1, last_error = ''
WHERE id = $2 AND state IN ($3, $4);
`,
		string(StateDone),
		id,
		string(StateClaimed),
		string(StateDone),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.resolveMissing(ctx, id)
}

func (s *PostgresStore) Fail(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}
	return s.finishClaimed(id, string(StateFailed), attempts, errMsg, now.Add(s.failureDelay))
}

func (s *PostgresStore) MarkDead(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}
	return s.finishClaimed(id, string(StateDead), attempts, errMsg, now)
}

func (s *PostgresStore) finishClaimed(id, state string, attempts int, errMsg string, nextAttemptAt time.Time) error {
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET state = $1, attempts = $2, last_error = $3, next_attempt_at = $4
WHERE id = $5 AND state = $6;
`,
		state,
		attempts,
		truncateError(errMsg),
		nextAttemptAt.UTC(),
		id,
		string(StateClaimed),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.resolveMissing(ctx, id)
}

func (s *PostgresStore) resolveMissing(ctx context.Context, id string) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM queue_items WHERE id = $1;`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotClaimed
}

func (s *PostgresStore) Stats(now time.Time) (Stats, error) {
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	ctx := context.Background()

	rows, err := s.db.QueryContext(ctx, `
SELECT state, COUNT(*)
FROM queue_items
GROUP BY state;
`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{ByState: map[State]int{
		StatePending: 0,
		StateClaimed: 0,
		StateDone:    0,
		StateFailed:  0,
		StateDead:    0,
	}}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, err
		}
		st.ByState[State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	st.Depth = st.ByState[StatePending] + st.ByState[StateFailed] + st.ByState[StateClaimed]

	var oldest sql.NullTime
	var earliestNext sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(received_at), MIN(next_attempt_at)
FROM queue_items
WHERE state IN ($1, $2);
`, string(StatePending), string(StateFailed)).Scan(&oldest, &earliestNext); err != nil {
		return Stats{}, err
	}

	if oldest.Valid {
		st.OldestPendingReceivedAt = oldest.Time.UTC()
		if now.After(st.OldestPendingReceivedAt) {
			st.OldestPendingAge = now.Sub(st.OldestPendingReceivedAt)
		}
	}
	if earliestNext.Valid && now.After(earliestNext.Time) {
		st.ReadyLag = now.Sub(earliestNext.Time.UTC())
	}
	return st, nil
}

func (s *PostgresStore) RecordSuspicion(rec SuspicionRecord) error {
	if rec.ID == "" {
		rec.ID = newHexID("sus_")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO suspicion_log (id, reason, source_key, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5);
`,
		rec.ID,
		string(rec.Reason),
		rec.SourceKey,
		truncateError(rec.Detail),
		rec.OccurredAt,
	)
	return err
}

func (s *PostgresStore) ListSuspicions(limit int) ([]SuspicionRecord, error) {
	limit = clampListLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, reason, source_key, detail, occurred_at
FROM suspicion_log
ORDER BY occurred_at DESC, id DESC
LIMIT $1;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SuspicionRecord, 0, limit)
	for rows.Next() {
		var rec SuspicionRecord
		var reason string
		if err := rows.Scan(&rec.ID, &reason, &rec.SourceKey, &rec.Detail, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.Reason = SuspicionReason(reason)
		rec.OccurredAt = rec.OccurredAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListDead(limit int) ([]Item, error) {
	limit = clampListLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
FROM queue_items
WHERE state = $1
ORDER BY received_at DESC, id DESC
LIMIT $2;
`, string(StateDead), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Item, 0, limit)
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RequeueDead(ids []string) (int, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE queue_items
SET state = $1, next_attempt_at = $2, last_error = ''
WHERE state = $3
  AND id = ANY($4);
`,
		string(StatePending),
		s.now(),
		string(StateDead),
		ids,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanPostgresItem(rows *sql.Rows) (Item, error) {
	var item Item
	var state string
	if err := rows.Scan(
		&item.ID,
		&item.ExternalID,
		&state,
		&item.Attempts,
		&item.ReceivedAt,
		&item.NextAttemptAt,
		&item.Payload,
		&item.LastError,
	); err != nil {
		return Item{}, err
	}
	item.State = State(state)
	item.ReceivedAt = item.ReceivedAt.UTC()
	item.NextAttemptAt = item.NextAttemptAt.UTC()
	return item, nil
}
