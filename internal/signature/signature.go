// Package signature implements the device signing scheme used by the
// offline sync API: HMAC-SHA256 over a canonical JSON payload plus a
// single-use nonce. All helpers are pure; persistence of secrets is the
// caller's concern.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	secretBytes = 32
	nonceBytes  = 16

	// DefaultMaxAge bounds how far in the past a request timestamp may
	// lie; DefaultClockDrift is the tolerated forward skew of terminal
	// clocks. Both are wired through config in cmd/server.
	DefaultMaxAge     = 300 * time.Second
	DefaultClockDrift = 2 * time.Second
)

// GenerateSigningSecret returns a fresh 256-bit hex-encoded secret.
func GenerateSigningSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GenerateNonce returns a fresh 128-bit hex-encoded nonce intended for
// single use.
func GenerateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Compute canonicalizes payload (object keys sorted, no insignificant
// whitespace), appends the nonce and returns the hex HMAC-SHA256 digest
// keyed by secret.
func Compute(payload []byte, nonce string, secret string) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Validate recomputes the signature and compares in constant time. When
// oldSecret is non-empty (secret-rotation grace period) a mismatch is
// retried against it. Canonicalization or decoding failures count as
// invalid; they are never surfaced to the caller.
func Validate(payload []byte, nonce string, sig string, secret string, oldSecret string) bool {
	if sig == "" || secret == "" {
		return false
	}
	if matches(payload, nonce, sig, secret) {
		return true
	}
	if oldSecret != "" {
		return matches(payload, nonce, sig, oldSecret)
	}
	return false
}

func matches(payload []byte, nonce string, sig string, secret string) bool {
	expected, err := Compute(payload, nonce, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// ValidateNonceFreshness parses createdAt as an RFC 3339 timestamp and
// rejects it when it lies more than drift in the future or more than
// maxAge in the past relative to now. Malformed timestamps are stale.
func ValidateNonceFreshness(createdAt string, now time.Time, maxAge time.Duration, drift time.Duration) bool {
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return false
	}
	if ts.After(now.Add(drift)) {
		return false
	}
	return now.Sub(ts) <= maxAge
}

// canonicalize produces a deterministic byte form of a JSON document.
// encoding/json sorts map keys on marshal, so a decode/encode round trip
// yields sorted keys and minimal whitespace. Numbers are decoded as
// json.Number to keep their original literal form.
func canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
