package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/updategate/internal/dedup"
	"github.com/nuetzliches/updategate/internal/queue"
	"github.com/nuetzliches/updategate/internal/suspicion"
)

const expectedContentType = "application/json"

// Server is the push gate. Every check completes in bounded time; the
// business handler is never called inline, so ingestion latency is
// independent of handler latency.
type Server struct {
	Store     queue.Store
	Auth      *SecretAuth
	Dedup     *dedup.Guard
	Suspicion *suspicion.Tracker

	// IDField is the payload field holding the external update id.
	IDField string
	// MaxBodyBytes bounds both the declared and the measured body size.
	MaxBodyBytes int64
	// DedupThreshold is the number of in-window repeats tolerated before
	// a source is flooding; the request exceeding it is rejected.
	DedupThreshold int

	Now func() time.Time

	ObserveAccept func()
	ObserveReject func(statusCode int, reason string)
}

func NewServer(store queue.Store, auth *SecretAuth, guard *dedup.Guard, tracker *suspicion.Tracker) *Server {
	return &Server{
		Store:          store,
		Auth:           auth,
		Dedup:          guard,
		Suspicion:      tracker,
		IDField:        DefaultIDField,
		MaxBodyBytes:   1 << 20, // 1 MiB
		DedupThreshold: 3,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		s.reject(http.StatusMethodNotAllowed, "method")
		return
	}

	if !contentTypeOK(r.Header.Get("Content-Type")) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		s.reject(http.StatusUnsupportedMediaType, "content_type")
		return
	}

	if r.ContentLength > s.MaxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		s.reject(http.StatusRequestEntityTooLarge, "body_size")
		return
	}

	sourceKey := remoteIP(r)
	if s.Auth == nil || !s.Auth.Verify(r) {
		if s.Suspicion != nil {
			s.Suspicion.Record(queue.ReasonSecretMismatch, sourceKey, "")
		}
		w.WriteHeader(http.StatusUnauthorized)
		s.reject(http.StatusUnauthorized, "auth")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			s.reject(http.StatusRequestEntityTooLarge, "body_size")
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		s.reject(http.StatusBadRequest, "body_read")
		return
	}

	externalID, err := ExtractExternalID(body, s.IDField)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		s.reject(http.StatusBadRequest, "payload")
		return
	}

	if s.Dedup != nil {
		seen := s.Dedup.Seen(externalID, s.now())
		if seen > s.DedupThreshold {
			if s.Suspicion != nil {
				s.Suspicion.Record(queue.ReasonDuplicateFlood, sourceKey,
					fmt.Sprintf("external_id=%s seen=%d", externalID, seen))
			}
			w.WriteHeader(http.StatusConflict)
			s.reject(http.StatusConflict, "duplicate_flood")
			return
		}
		// Repeats below the threshold are still enqueued; Enqueue is
		// idempotent per external id.
	}

	if err := s.Store.Enqueue(queue.Item{
		ExternalID: externalID,
		Payload:    body,
		ReceivedAt: s.now(),
	}); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		s.reject(http.StatusServiceUnavailable, "store")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	if s.ObserveAccept != nil {
		s.ObserveAccept()
	}
}

func (s *Server) reject(statusCode int, reason string) {
	if s.ObserveReject != nil {
		s.ObserveReject(statusCode, reason)
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func contentTypeOK(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, expectedContentType)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
