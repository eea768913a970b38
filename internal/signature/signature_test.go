package signature

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1_790_000_000, 0)
	body := []byte(`{"reference":"abc","status":"delivered"}`)

	sig, ts := Sign("s3cret", body, now)
	if ts != strconv.FormatInt(now.Unix(), 10) {
		t.Errorf("ts = %q", ts)
	}
	if err := Verify("s3cret", body, sig, ts, now.Add(time.Minute), 5*time.Minute); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	now := time.Unix(1_790_000_000, 0)
	body := []byte(`{"status":"delivered"}`)
	sig, ts := Sign("s3cret", body, now)

	tests := []struct {
		name   string
		secret string
		body   []byte
		sig    string
		ts     string
		at     time.Time
		want   error
	}{
		{name: "missing signature", secret: "s3cret", body: body, ts: ts, at: now, want: ErrMissing},
		{name: "missing timestamp", secret: "s3cret", body: body, sig: sig, at: now, want: ErrMissing},
		{name: "no prefix", secret: "s3cret", body: body, sig: sig[len("sha256="):], ts: ts, at: now, want: ErrMalformed},
		{name: "not hex", secret: "s3cret", body: body, sig: "sha256=zz", ts: ts, at: now, want: ErrMalformed},
		{name: "bad timestamp", secret: "s3cret", body: body, sig: sig, ts: "yesterday", at: now, want: ErrBadTimestamp},
		{name: "stale", secret: "s3cret", body: body, sig: sig, ts: ts, at: now.Add(6 * time.Minute), want: ErrStaleTimestamp},
		{name: "future", secret: "s3cret", body: body, sig: sig, ts: ts, at: now.Add(-6 * time.Minute), want: ErrStaleTimestamp},
		{name: "wrong secret", secret: "other", body: body, sig: sig, ts: ts, at: now, want: ErrMismatch},
		{name: "tampered body", secret: "s3cret", body: []byte(`{"status":"rejected"}`), sig: sig, ts: ts, at: now, want: ErrMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.body, tt.sig, tt.ts, tt.at, 5*time.Minute)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyZeroLeewaySkipsWindow(t *testing.T) {
	now := time.Unix(1_790_000_000, 0)
	sig, ts := Sign("k", nil, now)
	if err := Verify("k", nil, sig, ts, now.Add(48*time.Hour), 0); err != nil {
		t.Errorf("Verify() = %v, want nil with zero leeway", err)
	}
}
