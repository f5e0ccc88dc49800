// Package forward ships the daemon's default processing handler: it POSTs
// the raw payload to a downstream service and treats any 2xx as success.
// Deployments embedding their own business handler do not use it.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nuetzliches/updategate/internal/queue"
)

type Forwarder struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration

	// SecretHeader/Secret are echoed downstream so the receiver can
	// authenticate the forwarder the same way the platform authenticates
	// against the gate. Both optional.
	SecretHeader string
	Secret       string
}

func New(url string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		Client:  &http.Client{},
		URL:     url,
		Timeout: timeout,
	}
}

// Handle implements worker.Handler.
func (f *Forwarder) Handle(ctx context.Context, item queue.Item) error {
	reqCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Update-Id", item.ExternalID)
	if f.SecretHeader != "" && f.Secret != "" {
		req.Header.Set(f.SecretHeader, f.Secret)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downstream replied %d", resp.StatusCode)
	}
	return nil
}
