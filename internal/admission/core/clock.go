// Package core provides time and client identity sources.
package core

import (
	"net"
	"strings"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests.
type ManualClock struct {
	at time.Time
}

// NewManualClock constructs a clock frozen at the given instant.
func NewManualClock(at time.Time) *ManualClock {
	return &ManualClock{at: at}
}

// Now returns the configured instant.
func (c *ManualClock) Now() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.at
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	if c == nil {
		return
	}
	c.at = c.at.Add(d)
}

// Set moves the clock to an absolute instant.
func (c *ManualClock) Set(at time.Time) {
	if c == nil {
		return
	}
	c.at = at
}

const maxSignatureLen = 24

// ClientKey derives a stable per-client identifier from connection metadata.
// The key joins the caller IP with a coarse user agent signature so that rate
// and audit state is bucketed per caller without storing the full user agent.
func ClientKey(remoteAddr, forwardedFor string, trustForwarded bool, userAgent string) string {
	ip := clientIP(remoteAddr, forwardedFor, trustForwarded)
	sig := agentSignature(userAgent)
	if sig == "" {
		return ip
	}
	return ip + "\x1f" + sig
}

func clientIP(remoteAddr, forwardedFor string, trustForwarded bool) string {
	if trustForwarded && forwardedFor != "" {
		// first hop is the original client
		parts := strings.Split(forwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err == nil && host != "" {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}

// agentSignature reduces a user agent to its leading product token. Full user
// agents are high cardinality and attacker controlled, so only a bounded,
// lower-cased prefix participates in the key.
func agentSignature(userAgent string) string {
	ua := strings.TrimSpace(strings.ToLower(userAgent))
	if ua == "" {
		return ""
	}
	if idx := strings.IndexAny(ua, "/ ("); idx > 0 {
		ua = ua[:idx]
	}
	if len(ua) > maxSignatureLen {
		ua = ua[:maxSignatureLen]
	}
	return ua
}
