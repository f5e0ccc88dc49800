package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 2

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_items (
  id              TEXT PRIMARY KEY,
  external_id     TEXT NOT NULL UNIQUE,
  state           TEXT NOT NULL,
  attempts        INTEGER NOT NULL,
  received_at     INTEGER NOT NULL,
  next_attempt_at INTEGER NOT NULL,
  payload         BLOB NOT NULL,
  last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_ready
  ON queue_items(state, next_attempt_at, received_at);
CREATE INDEX IF NOT EXISTS idx_queue_state_received_at
  ON queue_items(state, received_at);
`

const sqliteSchemaV2 = `
CREATE TABLE IF NOT EXISTS suspicion_log (
  id          TEXT PRIMARY KEY,
  reason      TEXT NOT NULL,
  source_key  TEXT NOT NULL,
  detail      TEXT NOT NULL DEFAULT '',
  occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suspicion_occurred
  ON suspicion_log(occurred_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_suspicion_source
  ON suspicion_log(source_key, occurred_at DESC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteFailureDelay(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.failureDelay = d
		}
	}
}

// SQLiteStore is the default durable backend. A single connection plus
// BEGIN IMMEDIATE makes ClaimBatch atomic within and across goroutines of
// one process; multi-process deployments should use PostgresStore.
type SQLiteStore struct {
	db           *sql.DB
	nowFn        func() time.Time
	failureDelay time.Duration
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:           db,
		nowFn:        time.Now,
		failureDelay: defaultFailureDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	hasVersion := true
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read schema_version: %w", err)
		}
		hasVersion = false
		current = 0
	}
	if current > sqliteSchemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, sqliteSchemaVersion)
	}

	for v := current + 1; v <= sqliteSchemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		case 2:
			if _, err := conn.ExecContext(ctx, sqliteSchemaV2); err != nil {
				return fmt.Errorf("sqlite: migrate v2: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != sqliteSchemaVersion {
		if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, sqliteSchemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Enqueue(item Item) error {
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

	// INSERT OR IGNORE makes duplicate enqueue of the same external id a
	// no-op under the unique index, atomically.
	_, err := s.db.ExecContext(context.Background(), `
INSERT OR IGNORE INTO queue_items (
  id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
		item.ID,
		item.ExternalID,
		string(item.State),
		item.Attempts,
		item.ReceivedAt.UnixNano(),
		item.NextAttemptAt.UnixNano(),
		item.Payload,
		truncateError(item.LastError),
	)
	return err
}

func (s *SQLiteStore) ClaimBatch(limit int, now time.Time) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if now.IsZero() {
		now = s.now()
	}

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	rows, err := conn.QueryContext(ctx, `
SELECT id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
FROM queue_items
WHERE state IN (?, ?)
  AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, received_at ASC, id ASC
LIMIT ?;
`,
		string(StatePending),
		string(StateFailed),
		now.UnixNano(),
		limit,
	)
	if err != nil {
		return nil, err
	}

	out := make([]Item, 0, limit)
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
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
		if _, err := conn.ExecContext(ctx, `
UPDATE queue_items
SET state = ?
WHERE id = ? AND state IN (?, ?);
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

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

func (s *SQLiteStore) Ack(id string) error {
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET state = ?, last_error = ''
WHERE id = ? AND state IN (?, ?);
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

func (s *SQLiteStore) Fail(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}
	return s.finishClaimed(id, string(StateFailed), attempts, errMsg, now.Add(s.failureDelay))
}

func (s *SQLiteStore) MarkDead(id string, attempts int, errMsg string, now time.Time) error {
	if now.IsZero() {
		now = s.now()
	}
	return s.finishClaimed(id, string(StateDead), attempts, errMsg, now)
}

func (s *SQLiteStore) finishClaimed(id, state string, attempts int, errMsg string, nextAttemptAt time.Time) error {
	ctx := context.Background()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?
WHERE id = ? AND state = ?;
`,
		state,
		attempts,
		truncateError(errMsg),
		nextAttemptAt.UTC().UnixNano(),
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

// resolveMissing distinguishes an unknown id from a wrong-state update.
func (s *SQLiteStore) resolveMissing(ctx context.Context, id string) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM queue_items WHERE id = ?;`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrNotClaimed
}

func (s *SQLiteStore) Stats(now time.Time) (Stats, error) {
	if now.IsZero() {
		now = s.now()
	}
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

	var oldestNanos sql.NullInt64
	var earliestNextNanos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT MIN(received_at), MIN(next_attempt_at)
FROM queue_items
WHERE state IN (?, ?);
`, string(StatePending), string(StateFailed)).Scan(&oldestNanos, &earliestNextNanos); err != nil {
		return Stats{}, err
	}

	if oldestNanos.Valid {
		st.OldestPendingReceivedAt = time.Unix(0, oldestNanos.Int64).UTC()
		if now.After(st.OldestPendingReceivedAt) {
			st.OldestPendingAge = now.Sub(st.OldestPendingReceivedAt)
		}
	}
	if earliestNextNanos.Valid {
		earliest := time.Unix(0, earliestNextNanos.Int64).UTC()
		if now.After(earliest) {
			st.ReadyLag = now.Sub(earliest)
		}
	}
	return st, nil
}

func (s *SQLiteStore) RecordSuspicion(rec SuspicionRecord) error {
	if rec.ID == "" {
		rec.ID = newHexID("sus_")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO suspicion_log (id, reason, source_key, detail, occurred_at)
VALUES (?, ?, ?, ?, ?);
`,
		rec.ID,
		string(rec.Reason),
		rec.SourceKey,
		truncateError(rec.Detail),
		rec.OccurredAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListSuspicions(limit int) ([]SuspicionRecord, error) {
	limit = clampListLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, reason, source_key, detail, occurred_at
FROM suspicion_log
ORDER BY occurred_at DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SuspicionRecord, 0, limit)
	for rows.Next() {
		var rec SuspicionRecord
		var reason string
		var occurredNanos int64
		if err := rows.Scan(&rec.ID, &reason, &rec.SourceKey, &rec.Detail, &occurredNanos); err != nil {
			return nil, err
		}
		rec.Reason = SuspicionReason(reason)
		rec.OccurredAt = time.Unix(0, occurredNanos).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ListDead(limit int) ([]Item, error) {
	limit = clampListLimit(limit)

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, external_id, state, attempts, received_at, next_attempt_at, payload, last_error
FROM queue_items
WHERE state = ?
ORDER BY received_at DESC, id DESC
LIMIT ?;
`, string(StateDead), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Item, 0, limit)
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
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

func (s *SQLiteStore) RequeueDead(ids []string) (int, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, 3+len(ids))
	args = append(args, string(StatePending), s.now().UnixNano(), string(StateDead))
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(context.Background(), `
UPDATE queue_items
SET state = ?, next_attempt_at = ?, last_error = ''
WHERE state = ?
  AND id IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanSQLiteItem(rows *sql.Rows) (Item, error) {
	var item Item
	var state string
	var receivedNanos int64
	var nextNanos int64
	if err := rows.Scan(
		&item.ID,
		&item.ExternalID,
		&state,
		&item.Attempts,
		&receivedNanos,
		&nextNanos,
		&item.Payload,
		&item.LastError,
	); err != nil {
		return Item{}, err
	}
	item.State = State(state)
	item.ReceivedAt = time.Unix(0, receivedNanos).UTC()
	item.NextAttemptAt = time.Unix(0, nextNanos).UTC()
	return item, nil
}
