package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/NickAiNYC/ViolationSentinel/internal/metrics"
	"github.com/NickAiNYC/ViolationSentinel/internal/retry"
)

// upstreamClient performs the raw HTTP calls against the open-data service.
type upstreamClient struct {
	baseURL    string
	appToken   string
	httpClient *http.Client
}

func newUpstreamClient(baseURL, appToken string, timeout time.Duration) *upstreamClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &upstreamClient{
		baseURL:    baseURL,
		appToken:   appToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// statusError is an upstream response with a non-2xx status.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.code, e.body)
}

// fetch issues one GET against the collection endpoint and decodes the
// response as a JSON array of records.
func (c *upstreamClient) fetch(ctx context.Context, req FetchRequest) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s.json?%s", c.baseURL, req.Collection, req.queryParams().Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		httpReq.Header.Set("X-App-Token", c.appToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.UpstreamRequestDuration.WithLabelValues(req.Collection).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(req.Collection, "error").Inc()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequestsTotal.WithLabelValues(req.Collection, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(req.Collection, "error").Inc()
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(req.Collection, "success").Inc()
	return records, nil
}

// classifyUpstreamError decides whether a failure is worth retrying.
// Network errors, timeouts and 5xx responses are transient; a 429 gets the
// longer backoff; other 4xx responses are permanent.
func classifyUpstreamError(err error) retry.Action {
	var status *statusError
	if errors.As(err, &status) {
		switch {
		case status.code == http.StatusTooManyRequests:
			return retry.After
		case status.code >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}

	if errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Retry
	}

	// url.Error from a failed dial or timeout satisfies net.Error.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Retry
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return retry.Retry
	}

	// Malformed responses and anything else unclassifiable are permanent.
	return retry.Stop
}
