// Package webhook receives transaction status callbacks from the chain
// gateway: HMAC signature verification, tiered rate limiting, idempotent
// processing with retries, and the HTTP handler tying them together.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSecretNotConfigured is returned when no signing secret is available.
// Running without one would accept forged payloads, so startup treats this
// as fatal.
var ErrSecretNotConfigured = errors.New("webhook secret not configured")

// Verifier authenticates webhook payloads with HMAC-SHA256 over the raw
// request body.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret is rejected.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of body. Senders and tests use
// it to produce valid signatures.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. A "sha256=" prefix on the
// incoming signature is accepted and stripped. The comparison is constant
// time.
func (v *Verifier) Verify(body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	signature = strings.ToLower(signature)
	return hmac.Equal([]byte(v.Sign(body)), []byte(signature))
}
