// Package core provides content threat signatures.
package core

import "regexp"

// ThreatSignature is one compiled content pattern.
type ThreatSignature struct {
	Name     string
	Severity Severity
	pattern  *regexp.Regexp
}

// SignatureMatch reports a signature hit and where it matched.
type SignatureMatch struct {
	Name     string
	Severity Severity
	Target   string
}

// DefaultThreatSignatures returns the fixed signature table matched against
// URL, user agent and body on every request.
func DefaultThreatSignatures() []ThreatSignature {
	return []ThreatSignature{
		{
			Name:     "script_injection",
			Severity: SeverityCritical,
			pattern:  regexp.MustCompile(`(?i)<\s*script[^>]*>|javascript\s*:|on(?:load|error|click)\s*=`),
		},
		{
			Name:     "sql_injection",
			Severity: SeverityCritical,
			pattern:  regexp.MustCompile(`(?i)\b(?:union\s+(?:all\s+)?select|insert\s+into|drop\s+table|delete\s+from|select\s+.+\s+from)\b|'\s*or\s+'?1'?\s*=\s*'?1`),
		},
		{
			Name:     "path_traversal",
			Severity: SeverityCritical,
			pattern:  regexp.MustCompile(`\.\./|\.\.\\|%2e%2e%2f|%2e%2e/`),
		},
		{
			Name:     "command_injection",
			Severity: SeverityHigh,
			pattern:  regexp.MustCompile("[;&|]\\s*(?:cat|ls|rm|wget|curl|sh|bash|nc)\\b|`[^`]+`|\\$\\([^)]+\\)"),
		},
	}
}

// ScanRequest matches the signature table against the request surfaces.
// shouldBlock is set on any critical match.
func ScanRequest(signatures []ThreatSignature, url, userAgent string, body []byte) (matches []SignatureMatch, shouldBlock bool) {
	targets := []struct {
		name  string
		value []byte
	}{
		{name: "url", value: []byte(url)},
		{name: "user_agent", value: []byte(userAgent)},
		{name: "body", value: body},
	}
	for _, sig := range signatures {
		if sig.pattern == nil {
			continue
		}
		for _, target := range targets {
			if len(target.value) == 0 {
				continue
			}
			if sig.pattern.Match(target.value) {
				matches = append(matches, SignatureMatch{
					Name:     sig.Name,
					Severity: sig.Severity,
					Target:   target.name,
				})
				if sig.Severity == SeverityCritical {
					shouldBlock = true
				}
				break
			}
		}
	}
	return matches, shouldBlock
}
