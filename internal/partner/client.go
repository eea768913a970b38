// Package partner transmits impact reports to CSR platforms.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/signature"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReferenceHeader   = "X-Partner-Reference"
	DeliveryHeader    = "X-Impact-Delivery"

	maxResponseBody = 64 << 10
)

// Endpoint is where and how one platform receives reports.
type Endpoint struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Request is one signed transmission.
type Request struct {
	Platform       delivery.Platform
	DeliveryID     string
	IdempotencyKey string
	Body           []byte
}

// Response carries what the executor needs from the partner reply.
type Response struct {
	StatusCode int
	Reference  string
	Latency    time.Duration
}

// Client posts signed JSON payloads. It returns an error only when no HTTP
// response was received.
type Client struct {
	http      *http.Client
	endpoints map[delivery.Platform]Endpoint
	now       func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(endpoints map[delivery.Platform]Endpoint, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{},
		endpoints: endpoints,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Endpoint returns the configuration for p.
func (c *Client) Endpoint(p delivery.Platform) (Endpoint, bool) {
	ep, ok := c.endpoints[p]
	return ep, ok && ep.URL != ""
}

func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	ep, ok := c.Endpoint(req.Platform)
	if !ok {
		return Response{}, &delivery.PermanentDeliveryError{Err: fmt.Errorf("no endpoint configured for platform %s", req.Platform)}
	}
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, &delivery.PermanentDeliveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	sig, ts := signature.Sign(ep.Secret, req.Body, c.now())
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(signature.DefaultSignatureHeader, sig)
	httpReq.Header.Set(signature.DefaultTimestampHeader, ts)
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	httpReq.Header.Set(DeliveryHeader, req.DeliveryID)
	for k, v := range tracing.InjectHeaders(ctx) {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return Response{Latency: latency}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return Response{
		StatusCode: resp.StatusCode,
		Reference:  reference(resp.Header, body),
		Latency:    latency,
	}, nil
}

// reference reads the partner's id for the report from the header or from a
// JSON body field named "reference".
func reference(h http.Header, body []byte) string {
	if ref := strings.TrimSpace(h.Get(ReferenceHeader)); ref != "" {
		return ref
	}
	var doc struct {
		Reference string `json:"reference"`
	}
	if json.Unmarshal(body, &doc) == nil {
		return strings.TrimSpace(doc.Reference)
	}
	return ""
}

// Classify maps a transmission result to an attempt outcome. The returned
// error is nil on SUCCESS and otherwise a TransientDeliveryError or
// PermanentDeliveryError.
func Classify(resp Response, sendErr error) (delivery.Outcome, error) {
	if sendErr != nil {
		var perm *delivery.PermanentDeliveryError
		if errors.As(sendErr, &perm) {
			return delivery.OutcomePermanentFailure, perm
		}
		if isTimeout(sendErr) {
			return delivery.OutcomeTimeout, &delivery.TransientDeliveryError{Timeout: true, Err: sendErr}
		}
		return delivery.OutcomeTransientFailure, &delivery.TransientDeliveryError{Err: sendErr}
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return delivery.OutcomeSuccess, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return delivery.OutcomeTransientFailure, &delivery.TransientDeliveryError{HTTPStatus: code}
	case code >= 400:
		return delivery.OutcomePermanentFailure, &delivery.PermanentDeliveryError{
			HTTPStatus: code, Err: fmt.Errorf("partner rejected report with %d", code),
		}
	default:
		return delivery.OutcomePermanentFailure, &delivery.PermanentDeliveryError{
			HTTPStatus: code, Err: fmt.Errorf("unexpected status %d, check endpoint configuration", code),
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reason labels a failure for the retry metrics.
func Reason(httpStatus int, err error) string {
	var te *delivery.TransientDeliveryError
	if errors.As(err, &te) {
		switch {
		case te.Timeout:
			return "timeout"
		case te.HTTPStatus == http.StatusTooManyRequests:
			return "http_429"
		case te.HTTPStatus >= 500:
			return "http_5xx"
		default:
			return "network"
		}
	}
	if httpStatus >= 400 {
		return "http_4xx"
	}
	return "other"
}
