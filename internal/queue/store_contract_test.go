package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(
					WithNowFunc(func() time.Time { return now.UTC() }),
					WithFailureDelay(time.Minute),
				)
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "updategate.db")
				s, err := NewSQLiteStore(
					dbPath,
					WithSQLiteNowFunc(func() time.Time { return now.UTC() }),
					WithSQLiteFailureDelay(time.Minute),
				)
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("UPDATEGATE_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(
					dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
					WithPostgresFailureDelay(time.Minute),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				// The contract suite reuses external ids; start clean.
				if _, err := s.db.Exec(`TRUNCATE queue_items, suspicion_log;`); err != nil {
					t.Fatalf("truncate: %v", err)
				}
				return s
			},
		})
	}

	return out
}

func TestStoreContract_EnqueueClaimAck(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			for _, ext := range []string{"10001", "10002"} {
				if err := store.Enqueue(Item{ExternalID: ext, Payload: []byte(`{"update_id":` + ext + `}`)}); err != nil {
					t.Fatalf("enqueue %s: %v", ext, err)
				}
			}

			claimed, err := store.ClaimBatch(10, now)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 2 {
				t.Fatalf("claimed %d items, want 2", len(claimed))
			}

			got := make([]string, 0, 2)
			for _, item := range claimed {
				if item.State != StateClaimed {
					t.Fatalf("item %s state=%s, want claimed", item.ID, item.State)
				}
				got = append(got, item.ExternalID)
				if err := store.Ack(item.ID); err != nil {
					t.Fatalf("ack %s: %v", item.ID, err)
				}
			}
			sort.Strings(got)
			if got[0] != "10001" || got[1] != "10002" {
				t.Fatalf("claimed ids=%v, want [10001 10002]", got)
			}

			// Everything is done; nothing left to claim.
			claimed, err = store.ClaimBatch(10, now)
			if err != nil {
				t.Fatalf("claim after ack: %v", err)
			}
			if len(claimed) != 0 {
				t.Fatalf("claimed %d items after ack, want 0", len(claimed))
			}
		})
	}
}

func TestStoreContract_EnqueueIdempotent(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 5, 0, 0, time.UTC)
			store := factory.new(t, &now)

			first := Item{ExternalID: "10001", Payload: []byte(`{"n":1}`)}
			if err := store.Enqueue(first); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			// Re-delivery with a different payload must not create a
			// second row or overwrite the first.
			if err := store.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{"n":2}`)}); err != nil {
				t.Fatalf("re-enqueue: %v", err)
			}

			claimed, err := store.ClaimBatch(10, now)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(claimed) != 1 {
				t.Fatalf("claimed %d items, want 1", len(claimed))
			}
			if string(claimed[0].Payload) != `{"n":1}` {
				t.Fatalf("payload=%s, want first delivery", claimed[0].Payload)
			}
		})
	}
}

func TestStoreContract_EnqueueEmptyExternalID(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 10, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if err := store.Enqueue(Item{Payload: []byte(`{}`)}); err == nil {
				t.Fatal("enqueue with empty external id succeeded, want error")
			}
		})
	}
}

func TestStoreContract_FailDelaysRetry(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 15, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if err := store.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{}`)}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			claimed, err := store.ClaimBatch(1, now)
			if err != nil || len(claimed) != 1 {
				t.Fatalf("claim: items=%d err=%v", len(claimed), err)
			}
			if err := store.Fail(claimed[0].ID, 1, "downstream replied 502", now); err != nil {
				t.Fatalf("fail: %v", err)
			}

			// Not eligible before the failure delay elapses.
			got, err := store.ClaimBatch(1, now.Add(30*time.Second))
			if err != nil {
				t.Fatalf("claim before delay: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("claimed %d items before delay, want 0", len(got))
			}

			now = now.Add(61 * time.Second)
			got, err = store.ClaimBatch(1, now)
			if err != nil {
				t.Fatalf("claim after delay: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("claimed %d items after delay, want 1", len(got))
			}
			if got[0].Attempts != 1 {
				t.Fatalf("attempts=%d, want 1", got[0].Attempts)
			}
			if got[0].LastError != "downstream replied 502" {
				t.Fatalf("last_error=%q", got[0].LastError)
			}
		})
	}
}

func TestStoreContract_AckSemantics(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 20, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if err := store.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{}`)}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			claimed, err := store.ClaimBatch(1, now)
			if err != nil || len(claimed) != 1 {
				t.Fatalf("claim: items=%d err=%v", len(claimed), err)
			}
			id := claimed[0].ID

			if err := store.Ack(id); err != nil {
				t.Fatalf("ack: %v", err)
			}
			// Double ack is a no-op.
			if err := store.Ack(id); err != nil {
				t.Fatalf("double ack: %v", err)
			}
			if err := store.Ack("upd_missing"); err == nil {
				t.Fatal("ack of unknown id succeeded, want error")
			}

			// Fail after done must not resurrect the item.
			if err := store.Fail(id, 2, "late failure", now); err == nil {
				t.Fatal("fail of done item succeeded, want error")
			}
		})
	}
}

func TestStoreContract_MarkDeadAndRequeue(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 25, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if err := store.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{}`)}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			claimed, err := store.ClaimBatch(1, now)
			if err != nil || len(claimed) != 1 {
				t.Fatalf("claim: items=%d err=%v", len(claimed), err)
			}
			id := claimed[0].ID
			if err := store.MarkDead(id, 5, "gave up", now); err != nil {
				t.Fatalf("mark dead: %v", err)
			}

			// Dead items never come back on their own.
			got, err := store.ClaimBatch(1, now.Add(24*time.Hour))
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("claimed %d dead items, want 0", len(got))
			}

			dead, err := store.ListDead(10)
			if err != nil {
				t.Fatalf("list dead: %v", err)
			}
			if len(dead) != 1 || dead[0].ID != id {
				t.Fatalf("dead=%v, want [%s]", dead, id)
			}
			if dead[0].Attempts != 5 || dead[0].LastError != "gave up" {
				t.Fatalf("dead item attempts=%d last_error=%q", dead[0].Attempts, dead[0].LastError)
			}

			requeued, err := store.RequeueDead([]string{id, "upd_missing"})
			if err != nil {
				t.Fatalf("requeue dead: %v", err)
			}
			if requeued != 1 {
				t.Fatalf("requeued=%d, want 1", requeued)
			}

			got, err = store.ClaimBatch(1, now)
			if err != nil {
				t.Fatalf("claim after requeue: %v", err)
			}
			if len(got) != 1 || got[0].ID != id {
				t.Fatalf("claim after requeue=%v, want [%s]", got, id)
			}
		})
	}
}

func TestStoreContract_Stats(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
			store := factory.new(t, &now)

			for i := 0; i < 3; i++ {
				ext := fmt.Sprintf("1000%d", i)
				if err := store.Enqueue(Item{ExternalID: ext, Payload: []byte(`{}`)}); err != nil {
					t.Fatalf("enqueue %s: %v", ext, err)
				}
				now = now.Add(time.Second)
			}
			claimed, err := store.ClaimBatch(1, now)
			if err != nil || len(claimed) != 1 {
				t.Fatalf("claim: items=%d err=%v", len(claimed), err)
			}
			if err := store.Ack(claimed[0].ID); err != nil {
				t.Fatalf("ack: %v", err)
			}

			stats, err := store.Stats(now)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Depth != 2 {
				t.Fatalf("depth=%d, want 2", stats.Depth)
			}
			if stats.ByState[StatePending] != 2 {
				t.Fatalf("pending=%d, want 2", stats.ByState[StatePending])
			}
			if stats.ByState[StateDone] != 1 {
				t.Fatalf("done=%d, want 1", stats.ByState[StateDone])
			}
			if stats.OldestPendingAge <= 0 {
				t.Fatalf("oldest pending age=%v, want > 0", stats.OldestPendingAge)
			}
		})
	}
}

func TestStoreContract_Suspicions(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 35, 0, 0, time.UTC)
			store := factory.new(t, &now)

			for i := 0; i < 3; i++ {
				rec := SuspicionRecord{
					Reason:     ReasonSecretMismatch,
					SourceKey:  "203.0.113.7",
					Detail:     "missing header",
					OccurredAt: now.Add(time.Duration(i) * time.Second),
				}
				if i == 2 {
					rec.Reason = ReasonDuplicateFlood
				}
				if err := store.RecordSuspicion(rec); err != nil {
					t.Fatalf("record suspicion %d: %v", i, err)
				}
			}

			records, err := store.ListSuspicions(2)
			if err != nil {
				t.Fatalf("list suspicions: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("got %d records, want 2", len(records))
			}
			// Newest first.
			if records[0].Reason != ReasonDuplicateFlood {
				t.Fatalf("first record reason=%s, want duplicate_flood", records[0].Reason)
			}
			for _, rec := range records {
				if rec.ID == "" {
					t.Fatal("record id is empty")
				}
				if rec.SourceKey != "203.0.113.7" {
					t.Fatalf("source_key=%q", rec.SourceKey)
				}
			}
		})
	}
}

func TestStoreContract_ConcurrentClaimNoOverlap(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 8, 20, 9, 40, 0, 0, time.UTC)
			store := factory.new(t, &now)

			const total = 40
			for i := 0; i < total; i++ {
				ext := fmt.Sprintf("%05d", i)
				if err := store.Enqueue(Item{ExternalID: ext, Payload: []byte(`{}`)}); err != nil {
					t.Fatalf("enqueue %s: %v", ext, err)
				}
			}

			var mu sync.Mutex
			seen := make(map[string]int, total)
			var wg sync.WaitGroup
			for g := 0; g < 4; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						claimed, err := store.ClaimBatch(5, now)
						if err != nil {
							t.Errorf("claim: %v", err)
							return
						}
						if len(claimed) == 0 {
							return
						}
						mu.Lock()
						for _, item := range claimed {
							seen[item.ID]++
						}
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != total {
				t.Fatalf("claimed %d distinct items, want %d", len(seen), total)
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("item %s claimed %d times", id, n)
				}
			}
		})
	}
}
