package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/connectpng/roadmon/internal/envelope"
)

// StatusError is returned by HTTPDeliverer for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("resync endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("resync endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTPDeliverer POSTs one envelope per request as a JSON body.
type HTTPDeliverer struct {
	URL    string
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// NewHTTPDeliverer returns a deliverer for the resync endpoint at url.
func NewHTTPDeliverer(url string, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Deliver implements Deliverer.
func (h *HTTPDeliverer) Deliver(ctx context.Context, env *envelope.UpdateEnvelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build resync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", env, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
