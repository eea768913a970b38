// Package signature signs and verifies partner traffic with HMAC-SHA256 over
// body || timestamp, sent as "sha256=<hex>" next to a unix-seconds timestamp.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Impact-Signature"
	DefaultTimestampHeader = "X-Impact-Timestamp"
	prefix                 = "sha256="
)

var (
	ErrMissing        = errors.New("missing signature or timestamp")
	ErrMalformed      = errors.New("malformed signature")
	ErrBadTimestamp   = errors.New("malformed timestamp")
	ErrStaleTimestamp = errors.New("timestamp outside allowed window")
	ErrMismatch       = errors.New("signature mismatch")
)

// Compute returns the hex HMAC of body||ts.
func Compute(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the header values for body signed at now.
func Sign(secret string, body []byte, now time.Time) (sig, ts string) {
	ts = strconv.FormatInt(now.Unix(), 10)
	return prefix + Compute(secret, body, ts), ts
}

// Verify checks a received signature. leeway bounds the clock skew in both
// directions.
func Verify(secret string, body []byte, sig, ts string, now time.Time, leeway time.Duration) error {
	if sig == "" || ts == "" {
		return ErrMissing
	}
	if !strings.HasPrefix(sig, prefix) {
		return ErrMalformed
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return ErrMalformed
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if leeway > 0 && skew > leeway {
		return ErrStaleTimestamp
	}
	want, _ := hex.DecodeString(Compute(secret, body, ts))
	if !hmac.Equal(got, want) {
		return ErrMismatch
	}
	return nil
}
