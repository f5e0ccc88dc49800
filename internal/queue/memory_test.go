package queue

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStore_FailOnUnclaimedItem(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(1, time.Time{})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: items=%d err=%v", len(claimed), err)
	}
	id := claimed[0].ID

	if err := s.Fail(id, 1, "x", time.Time{}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// The item is failed now, not claimed; a second Fail must be refused.
	if err := s.Fail(id, 2, "x", time.Time{}); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("second fail: %v, want ErrNotClaimed", err)
	}
	if err := s.Fail("upd_missing", 1, "x", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fail unknown: %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TruncatesLongErrors(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Enqueue(Item{ExternalID: "10001", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(1, time.Time{})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: items=%d err=%v", len(claimed), err)
	}

	long := strings.Repeat("e", MaxLastErrorBytes*2)
	if err := s.Fail(claimed[0].ID, 1, long, time.Time{}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	items, err := s.ClaimBatch(1, time.Now().Add(time.Hour))
	if err != nil || len(items) != 1 {
		t.Fatalf("reclaim: items=%d err=%v", len(items), err)
	}
	if got := len(items[0].LastError); got > MaxLastErrorBytes {
		t.Fatalf("last_error length=%d, want <= %d", got, MaxLastErrorBytes)
	}
}

func TestMemoryStore_ClaimOrdersByNextAttempt(t *testing.T) {
	now := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithNowFunc(func() time.Time { return now }), WithFailureDelay(time.Second))

	for _, ext := range []string{"10001", "10002"} {
		if err := s.Enqueue(Item{ExternalID: ext, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue %s: %v", ext, err)
		}
		now = now.Add(time.Minute)
	}

	// Fail the older item; its retry slot lands before the younger item's
	// enqueue time has any bearing, but after its own original slot.
	claimed, err := s.ClaimBatch(1, now)
	if err != nil || len(claimed) != 1 || claimed[0].ExternalID != "10001" {
		t.Fatalf("claim: %v err=%v", claimed, err)
	}
	if err := s.Fail(claimed[0].ID, 1, "x", now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.ClaimBatch(2, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("claimed %d items, want 2", len(got))
	}
	// The untouched item's slot (its enqueue time) predates the retry slot.
	if got[0].ExternalID != "10002" || got[1].ExternalID != "10001" {
		t.Fatalf("order=[%s %s], want [10002 10001]", got[0].ExternalID, got[1].ExternalID)
	}
}
