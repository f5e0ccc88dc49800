package ingress

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// DefaultSecretHeader is the header carrying the shared token unless the
// operator configures another name.
const DefaultSecretHeader = "X-Webhook-Secret"

// SecretAuth verifies the shared-secret header with a constant-time compare.
// The token can be swapped at runtime for rotation without restart.
type SecretAuth struct {
	header string

	mu    sync.RWMutex
	token []byte
}

func NewSecretAuth(header string, token []byte) *SecretAuth {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultSecretHeader
	}
	a := &SecretAuth{header: header}
	a.Rotate(token)
	return a
}

func (a *SecretAuth) Header() string {
	return a.header
}

// Rotate replaces the expected token.
func (a *SecretAuth) Rotate(token []byte) {
	next := make([]byte, len(token))
	copy(next, token)
	a.mu.Lock()
	a.token = next
	a.mu.Unlock()
}

// Verify reports whether the request carries the expected token. A missing
// header is a mismatch.
func (a *SecretAuth) Verify(r *http.Request) bool {
	got := r.Header.Get(a.header)

	a.mu.RLock()
	want := a.token
	a.mu.RUnlock()

	if len(want) == 0 {
		return false
	}
	return secureEqual([]byte(got), want)
}

func secureEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
