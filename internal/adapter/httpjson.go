package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// DefaultTimeout bounds every provider call when no client is supplied.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept in error messages.
const maxErrorBody = 512

// NewHTTPClient returns client, or a client with DefaultTimeout when nil.
func NewHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{Timeout: DefaultTimeout}
	}
	return client
}

// NewJSONRequest builds a request with a JSON body (nil for none).
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// DoJSON sends req and decodes a 2xx JSON response into out (which may be nil).
// Transport errors, 429 and 5xx map to payment.ErrProviderUnavailable; any
// other non-2xx maps to payment.ErrInvalidRequest.
func DoJSON(client *http.Client, provider string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", provider, payment.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w: read response: %v", provider, payment.ErrProviderUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: HTTP %d: %s", provider, payment.ErrProviderUnavailable, resp.StatusCode, truncate(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %w: HTTP %d: %s", provider, payment.ErrInvalidRequest, resp.StatusCode, truncate(body))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		// A 2xx we cannot read is treated as transient: the sweeper will verify later.
		return fmt.Errorf("%s: %w: decode response: %v", provider, payment.ErrProviderUnavailable, err)
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
