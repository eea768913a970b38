package partner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/signature"
)

func TestSendSignsRequest(t *testing.T) {
	now := time.Unix(1_790_000_000, 0)
	body := []byte(`{"company_id":"acme"}`)

	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set(ReferenceHeader, "BEN-991")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(map[delivery.Platform]Endpoint{
		delivery.PlatformBenevity: {URL: srv.URL, Secret: "s3cret", Timeout: time.Second},
	}, WithClock(func() time.Time { return now }))

	resp, err := c.Send(context.Background(), Request{
		Platform:       delivery.PlatformBenevity,
		DeliveryID:     "dlv_1",
		IdempotencyKey: "dlv_1:2",
		Body:           body,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "BEN-991", resp.Reference)

	require.NotNil(t, got)
	assert.Equal(t, body, gotBody)
	assert.Equal(t, "dlv_1:2", got.Header.Get(IdempotencyHeader))
	assert.Equal(t, "dlv_1", got.Header.Get(DeliveryHeader))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.NoError(t, signature.Verify("s3cret", gotBody,
		got.Header.Get(signature.DefaultSignatureHeader),
		got.Header.Get(signature.DefaultTimestampHeader),
		now, time.Minute))
}

func TestSendReferenceFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reference":"GD-7"}`))
	}))
	defer srv.Close()

	c := NewClient(map[delivery.Platform]Endpoint{delivery.PlatformGoodera: {URL: srv.URL}})
	resp, err := c.Send(context.Background(), Request{Platform: delivery.PlatformGoodera, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "GD-7", resp.Reference)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(map[delivery.Platform]Endpoint{
		delivery.PlatformYourCause: {URL: srv.URL, Timeout: 50 * time.Millisecond},
	})
	resp, err := c.Send(context.Background(), Request{Platform: delivery.PlatformYourCause, Body: []byte(`{}`)})
	require.Error(t, err)

	outcome, cerr := Classify(resp, err)
	assert.Equal(t, delivery.OutcomeTimeout, outcome)
	var te *delivery.TransientDeliveryError
	require.True(t, errors.As(cerr, &te))
	assert.True(t, te.Timeout)
	assert.Equal(t, "timeout", Reason(0, cerr))
}

func TestSendUnconfiguredPlatform(t *testing.T) {
	c := NewClient(map[delivery.Platform]Endpoint{})
	resp, err := c.Send(context.Background(), Request{Platform: delivery.PlatformBenevity})
	require.Error(t, err)

	outcome, cerr := Classify(resp, err)
	assert.Equal(t, delivery.OutcomePermanentFailure, outcome)
	var pe *delivery.PermanentDeliveryError
	assert.True(t, errors.As(cerr, &pe))
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(map[delivery.Platform]Endpoint{delivery.PlatformBenevity: {URL: url, Timeout: time.Second}})
	resp, err := c.Send(context.Background(), Request{Platform: delivery.PlatformBenevity, Body: []byte(`{}`)})
	require.Error(t, err)

	outcome, cerr := Classify(resp, err)
	assert.Equal(t, delivery.OutcomeTransientFailure, outcome)
	assert.Equal(t, "network", Reason(0, cerr))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code    int
		outcome delivery.Outcome
		reason  string
	}{
		{200, delivery.OutcomeSuccess, ""},
		{204, delivery.OutcomeSuccess, ""},
		{301, delivery.OutcomePermanentFailure, "other"},
		{400, delivery.OutcomePermanentFailure, "http_4xx"},
		{404, delivery.OutcomePermanentFailure, "http_4xx"},
		{429, delivery.OutcomeTransientFailure, "http_429"},
		{500, delivery.OutcomeTransientFailure, "http_5xx"},
		{503, delivery.OutcomeTransientFailure, "http_5xx"},
	}
	for _, tt := range tests {
		outcome, err := Classify(Response{StatusCode: tt.code}, nil)
		assert.Equal(t, tt.outcome, outcome, "status %d", tt.code)
		if tt.outcome == delivery.OutcomeSuccess {
			assert.NoError(t, err)
			continue
		}
		require.Error(t, err)
		assert.Equal(t, tt.reason, Reason(tt.code, err), "status %d", tt.code)
	}
}

func TestReferenceParsing(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, "", reference(h, []byte(`not json`)))
	assert.Equal(t, "X", reference(h, []byte(`{"reference":" X "}`)))
	h.Set(ReferenceHeader, "H")
	assert.Equal(t, "H", reference(h, []byte(`{"reference":"X"}`)))
}
