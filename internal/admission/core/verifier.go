// Package core provides webhook signature and CSRF token verification.
package core

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"waitgate/internal/admission/observability"
)

// DefaultSignatureTolerance bounds how old a signed webhook timestamp may be.
const DefaultSignatureTolerance = 300 * time.Second

const csrfTokenBytes = 32

// SignatureHeader is the parsed form of an X-Signature header value.
type SignatureHeader struct {
	Timestamp int64
	Digests   [][]byte
}

// Verifier checks webhook signatures and CSRF token pairs. All secret
// comparisons are constant time; a length mismatch still burns a full
// comparison so the failure is not observably faster.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	clock     Clock
	sink      EventRecorder
	metrics   observability.Metrics
}

// EventRecorder accepts security events without blocking the caller.
type EventRecorder interface {
	Record(event SecurityEvent)
}

// NewVerifier constructs a verifier for the given shared secret.
func NewVerifier(secret []byte, tolerance time.Duration, clock Clock, sink EventRecorder, metrics observability.Metrics) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, Wrap(CodeConfiguration, "webhook secret is required", nil)
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
		clock:     clock,
		sink:      sink,
		metrics:   metrics,
	}, nil
}

// ParseSignatureHeader parses "t=<unix>,v1=<hex>[,v1=<hex>...]", failing
// closed on anything malformed.
func ParseSignatureHeader(value string) (SignatureHeader, error) {
	header := SignatureHeader{Timestamp: -1}
	if strings.TrimSpace(value) == "" {
		return SignatureHeader{}, ErrInvalidInput
	}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		key, raw, found := strings.Cut(part, "=")
		if !found {
			return SignatureHeader{}, ErrInvalidInput
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ts < 0 {
				return SignatureHeader{}, ErrInvalidInput
			}
			header.Timestamp = ts
		case "v1":
			digest, err := hex.DecodeString(raw)
			if err != nil || len(digest) == 0 {
				return SignatureHeader{}, ErrInvalidInput
			}
			header.Digests = append(header.Digests, digest)
		default:
			// unknown scheme versions are ignored, not rejected
		}
	}
	if header.Timestamp < 0 || len(header.Digests) == 0 {
		return SignatureHeader{}, ErrInvalidInput
	}
	return header, nil
}

// VerifyWebhook checks the signature header against the raw body. The body
// must be the exact received bytes; callers must not parse or trust the
// payload before this returns nil.
func (v *Verifier) VerifyWebhook(rawBody []byte, headerValue, clientKey string) error {
	if v == nil || len(v.secret) == 0 {
		return errors.New("verifier is not configured")
	}
	header, err := ParseSignatureHeader(headerValue)
	if err != nil {
		v.recordFailure("webhook_signature_malformed", clientKey, SeverityMedium)
		return err
	}
	now := v.clock.Now().Unix()
	age := now - header.Timestamp
	if age < 0 {
		age = -age
	}
	// compared in integer seconds; converting age to a Duration would
	// overflow for absurd timestamps and let them through
	if age < 0 || age > int64(v.tolerance/time.Second) {
		v.recordFailure("webhook_signature_replay", clientKey, SeverityHigh)
		return ErrSignatureReplay
	}
	expected := ComputeSignature(v.secret, header.Timestamp, rawBody)
	for _, claimed := range header.Digests {
		if constantTimeEqual(expected, claimed) {
			return nil
		}
	}
	v.recordFailure("webhook_signature_mismatch", clientKey, SeverityHigh)
	return ErrSignatureInvalid
}

// VerifyCSRF checks the issued cookie token against the echoed header token.
// Absence of either side is a failure, never an implicit pass.
func (v *Verifier) VerifyCSRF(cookieToken, headerToken, clientKey string) error {
	if v == nil {
		return errors.New("verifier is not configured")
	}
	if cookieToken == "" || headerToken == "" {
		v.recordFailure("csrf_token_missing", clientKey, SeverityMedium)
		return ErrCSRFMismatch
	}
	if !constantTimeEqual([]byte(cookieToken), []byte(headerToken)) {
		v.recordFailure("csrf_token_mismatch", clientKey, SeverityMedium)
		return ErrCSRFMismatch
	}
	return nil
}

// VerifyAdminToken compares a presented bearer token with the configured one.
func (v *Verifier) VerifyAdminToken(presented, expected, clientKey string) error {
	if v == nil {
		return errors.New("verifier is not configured")
	}
	if presented == "" || expected == "" || !constantTimeEqual([]byte(presented), []byte(expected)) {
		v.recordFailure("admin_auth_failed", clientKey, SeverityHigh)
		return ErrUnauthorized
	}
	return nil
}

// ComputeSignature returns HMAC-SHA256(secret, "<timestamp>.<body>").
func ComputeSignature(secret []byte, timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// NewCSRFToken issues a random hex token.
func NewCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// constantTimeEqual compares a and b in constant time. When lengths differ it
// still runs a full self-comparison before failing, so an attacker cannot use
// response time to learn the expected length.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (v *Verifier) recordFailure(eventType, clientKey string, severity Severity) {
	if v.metrics != nil {
		v.metrics.IncVerifyFailure(eventType)
	}
	if v.sink == nil {
		return
	}
	v.sink.Record(SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		ClientKey: clientKey,
		At:        v.clock.Now(),
	})
}
