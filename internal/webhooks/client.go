package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Headers is the per-send header set. Signature is the full X-Signature value.
type Headers struct {
	EventType     string
	EventID       string
	CorrelationID string
	Signature     string
}

// AttemptOutcome classifies one HTTP attempt.
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeHTTPError      AttemptOutcome = "http_error"
	OutcomeTransportError AttemptOutcome = "transport_error"
)

// AttemptResult is what a single POST produced.
type AttemptResult struct {
	StatusCode int
	Latency    time.Duration
	Err        error
}

func (r AttemptResult) Outcome() AttemptOutcome {
	switch {
	case r.Err != nil:
		return OutcomeTransportError
	case r.StatusCode >= 200 && r.StatusCode < 300:
		return OutcomeSuccess
	default:
		return OutcomeHTTPError
	}
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, url string, body []byte, h Headers, timeout time.Duration) AttemptResult
}

// DeliveryClient posts pre-serialized bodies with a fixed connect timeout and
// a per-request overall timeout.
type DeliveryClient struct {
	HTTP           *http.Client
	DefaultTimeout time.Duration
}

func NewDeliveryClient(connectTimeout, defaultTimeout time.Duration) *DeliveryClient {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.TLSHandshakeTimeout = connectTimeout
	return &DeliveryClient{
		HTTP: &http.Client{
			Transport: tr,
			// receivers answer directly; a redirect is treated as a non-2xx
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		DefaultTimeout: defaultTimeout,
	}
}

func (c *DeliveryClient) Send(ctx context.Context, url string, body []byte, h Headers, timeout time.Duration) AttemptResult {
	if timeout <= 0 {
		timeout = c.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return AttemptResult{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", h.EventType)
	req.Header.Set("X-Event-Id", h.EventID)
	if h.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", h.CorrelationID)
	}
	req.Header.Set("X-Signature", h.Signature)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	latency := time.Since(start)
	if err != nil {
		return AttemptResult{Latency: latency, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return AttemptResult{StatusCode: resp.StatusCode, Latency: latency}
}
