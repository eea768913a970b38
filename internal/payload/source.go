package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// maxMetricsBody bounds the metrics document read from the source.
const maxMetricsBody = 4 << 20

// MetricsSource fetches computed tenant metrics from the reporting service:
//
//	GET {base}/tenants/{tenant}/impact?period={period}
//
// and wraps the returned JSON object in the platform envelope. Network
// errors, timeouts, 429 and 5xx answers are returned as
// *delivery.TransientDeliveryError so the attempt is retried.
type MetricsSource struct {
	base   string
	client *http.Client
}

func NewMetricsSource(baseURL string, timeout time.Duration) *MetricsSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MetricsSource{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *MetricsSource) Build(ctx context.Context, req Request) (*structpb.Struct, error) {
	u := fmt.Sprintf("%s/tenants/%s/impact?period=%s", s.base, url.PathEscape(req.TenantID), url.QueryEscape(req.Period))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &delivery.TransientDeliveryError{Timeout: isTimeout(err), Err: fmt.Errorf("fetch metrics: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricsBody))
	if err != nil {
		return nil, &delivery.TransientDeliveryError{Timeout: isTimeout(err), Err: fmt.Errorf("read metrics: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &delivery.TransientDeliveryError{
			Err: fmt.Errorf("metrics source returned %d for tenant %s period %s", resp.StatusCode, req.TenantID, req.Period),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics source returned %d for tenant %s period %s", resp.StatusCode, req.TenantID, req.Period)
	}

	metrics := &structpb.Struct{}
	if err := protojson.Unmarshal(body, metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return Envelope(req, metrics)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout())
}
