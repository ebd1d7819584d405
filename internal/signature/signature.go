// Package signature signs and verifies timestamped webhook payloads.
//
// The scheme is symmetric: outbound deliveries and inbound automation requests
// share one secret and compute hex(HMAC-SHA256(secret, "{timestamp}.{body}")).
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderEvent       = "x-fasket-event"
	HeaderID          = "x-fasket-id"
	HeaderTimestamp   = "x-fasket-timestamp"
	HeaderSignature   = "x-fasket-signature"
	HeaderAttempt     = "x-fasket-attempt"
	HeaderSpecVersion = "x-fasket-spec-version"
)

// Signed carries the values a receiver reads from the request headers.
type Signed struct {
	Signature string
	Timestamp int64 // unix seconds
}

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{body}".
func Sign(secret string, timestamp int64, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks the signature and that the timestamp is within tolerance of now.
func Verify(secret string, s Signed, body []byte, tolerance time.Duration, now time.Time) bool {
	if secret == "" || s.Signature == "" {
		return false
	}
	// whole seconds on both sides; never subtract the untrusted timestamp
	tol := int64(tolerance / time.Second)
	unix := now.Unix()
	if s.Timestamp < unix-tol || s.Timestamp > unix+tol {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(s.Signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, s.Timestamp, body))
}

// ParseTimestamp parses a unix-seconds header value.
func ParseTimestamp(v string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
}

func mac(secret string, timestamp int64, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(strconv.AppendInt(nil, timestamp, 10))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}
