package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metinatakli/premium-billing/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const SessionCookieName = "session_id"

// StatusClient reads mobile-money payment status from the billing API on
// behalf of a signed-in user.
type StatusClient struct {
	baseURL   string
	sessionID string
	client    *http.Client
}

func NewStatusClient(baseURL, sessionID string, timeout time.Duration) *StatusClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &StatusClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status request failed with %d: %s", e.StatusCode, e.Message)
}

// Unwrap classifies client errors other than rate limiting as permanent.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests {
		return ErrPermanent
	}

	return nil
}

func (c *StatusClient) Status(ctx context.Context, transactionID string) (*api.Payment, error) {
	endpoint := c.baseURL + "/payments/mobile/" + url.PathEscape(transactionID) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build status request: %v", ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.sessionID})
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		var errRes api.ErrorResponse
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &errRes) == nil && errRes.Message != "" {
			message = errRes.Message
		}

		return nil, &StatusError{StatusCode: res.StatusCode, Message: message}
	}

	var statusRes api.PaymentStatusResponse
	if err := json.Unmarshal(body, &statusRes); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &statusRes.Payment, nil
}

// Fetcher binds the client to one transaction for use with Poll.
func (c *StatusClient) Fetcher(transactionID string) FetchFunc {
	return func(ctx context.Context) (*api.Payment, error) {
		return c.Status(ctx, transactionID)
	}
}
