package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/updategate/internal/queue"
)

const opsMaxListLimit = 500

// opsServer exposes the operational surface: metrics, health, queue stats
// and dead-letter management. It is meant to listen on a loopback or
// otherwise private address and carries no authentication of its own.
type opsServer struct {
	store   queue.Store
	metrics http.Handler
	now     func() time.Time
}

func newOpsServer(store queue.Store, metricsHandler http.Handler) *opsServer {
	return &opsServer{store: store, metrics: metricsHandler, now: time.Now}
}

func (s *opsServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/queue/stats", s.handleQueueStats)
	mux.HandleFunc("/suspicions", s.handleSuspicions)
	mux.HandleFunc("/dead", s.handleDead)
	mux.HandleFunc("/dead/requeue", s.handleDeadRequeue)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func writeOpsError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  code,
		"detail": detail,
	})
}

func parseListLimit(r *http.Request, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > opsMaxListLimit {
		return 0, false
	}
	return n, true
}

func (s *opsServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpsError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.store != nil {
		if _, err := s.store.Stats(s.now()); err != nil {
			writeOpsError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store is unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *opsServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpsError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	stats, err := s.store.Stats(s.now())
	if err != nil {
		writeOpsError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store is unavailable")
		return
	}
	byState := make(map[string]int, len(stats.ByState))
	for state, n := range stats.ByState {
		byState[string(state)] = n
	}
	resp := map[string]any{
		"depth":              stats.Depth,
		"by_state":           byState,
		"ready_lag_seconds":  stats.ReadyLag.Seconds(),
		"oldest_pending_age": stats.OldestPendingAge.Seconds(),
	}
	if !stats.OldestPendingReceivedAt.IsZero() {
		resp["oldest_pending_received_at"] = stats.OldestPendingReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type suspicionEntry struct {
	ID         string `json:"id"`
	Reason     string `json:"reason"`
	SourceKey  string `json:"source_key"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func (s *opsServer) handleSuspicions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpsError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	limit, ok := parseListLimit(r, 100)
	if !ok {
		writeOpsError(w, http.StatusBadRequest, "invalid_query", "limit must be between 1 and 500")
		return
	}
	records, err := s.store.ListSuspicions(limit)
	if err != nil {
		writeOpsError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store is unavailable")
		return
	}
	entries := make([]suspicionEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, suspicionEntry{
			ID:         rec.ID,
			Reason:     string(rec.Reason),
			SourceKey:  rec.SourceKey,
			Detail:     rec.Detail,
			OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"suspicions": entries})
}

type deadEntry struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	ReceivedAt string `json:"received_at"`
}

func (s *opsServer) handleDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpsError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	limit, ok := parseListLimit(r, 100)
	if !ok {
		writeOpsError(w, http.StatusBadRequest, "invalid_query", "limit must be between 1 and 500")
		return
	}
	items, err := s.store.ListDead(limit)
	if err != nil {
		writeOpsError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store is unavailable")
		return
	}
	entries := make([]deadEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, deadEntry{
			ID:         item.ID,
			ExternalID: item.ExternalID,
			Attempts:   item.Attempts,
			LastError:  item.LastError,
			ReceivedAt: item.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"dead": entries})
}

func (s *opsServer) handleDeadRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpsError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeOpsError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object with an ids array")
		return
	}
	ids := make([]string, 0, len(body.IDs))
	for _, id := range body.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > opsMaxListLimit {
		writeOpsError(w, http.StatusBadRequest, "invalid_body", "ids must contain between 1 and 500 non-empty entries")
		return
	}
	requeued, err := s.store.RequeueDead(ids)
	if err != nil {
		writeOpsError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store is unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requeued": requeued})
}
