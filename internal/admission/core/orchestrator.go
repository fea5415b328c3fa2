// Package core provides the per-request security orchestrator.
package core

import (
	"context"
	"errors"
	"time"

	"waitgate/internal/admission/observability"
)

// Validator checks a payload against an external schema.
type Validator interface {
	Validate(body []byte) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(body []byte) error

// Validate calls the function.
func (f ValidatorFunc) Validate(body []byte) error { return f(body) }

// RoutePolicy is the closed, enumerated security configuration for one route.
type RoutePolicy struct {
	RateLimit   string // limit class name, empty disables rate limiting
	RequireCSRF bool
	RequireAuth bool
	Schema      Validator
}

// Stage names the orchestrator pipeline positions.
type Stage string

const (
	StageReceived    Stage = "RECEIVED"
	StageRateChecked Stage = "RATE_CHECKED"
	StageCSRFChecked Stage = "CSRF_CHECKED"
	StageValidated   Stage = "VALIDATED"
	StageHandled     Stage = "HANDLED"
	StageRejected    Stage = "REJECTED"
)

// InboundRequest carries the security-relevant parts of one request.
type InboundRequest struct {
	Route      string
	Method     string
	Mutating   bool
	ClientKey  string
	URL        string
	UserAgent  string
	Body       []byte
	CSRFCookie string
	CSRFHeader string
	AuthToken  string
}

// AdmitResult is the orchestrator verdict for one request.
type AdmitResult struct {
	Allowed bool
	Stage   Stage
	Code    ErrorCode
	Rate    Decision
}

// Orchestrator composes the admission checks around an inbound request:
// rate limit, CSRF (if mutating), schema validation, threat scan. Every
// rejection is audited before the verdict is returned.
type Orchestrator struct {
	limiter    *RateLimiter
	verifier   *Verifier
	recorder   *Recorder
	escalator  *Escalator
	signatures []ThreatSignature
	adminToken string
	clock      Clock
	metrics    observability.Metrics
	logger     observability.Logger
}

// NewOrchestrator wires the admission pipeline.
func NewOrchestrator(limiter *RateLimiter, verifier *Verifier, recorder *Recorder, escalator *Escalator, signatures []ThreatSignature, adminToken string, clock Clock, metrics observability.Metrics, logger observability.Logger) (*Orchestrator, error) {
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if len(signatures) == 0 {
		signatures = DefaultThreatSignatures()
	}
	return &Orchestrator{
		limiter:    limiter,
		verifier:   verifier,
		recorder:   recorder,
		escalator:  escalator,
		signatures: signatures,
		adminToken: adminToken,
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Admit runs the pipeline for one request under the given policy. The rate
// decision is always populated when a rate limit class is configured so the
// transport can attach X-RateLimit headers on every response.
func (orch *Orchestrator) Admit(ctx context.Context, policy RoutePolicy, req *InboundRequest) (AdmitResult, error) {
	if orch == nil {
		return AdmitResult{}, errors.New("orchestrator is nil")
	}
	if req == nil || req.ClientKey == "" || req.Route == "" {
		return AdmitResult{}, ErrInvalidInput
	}
	start := orch.clock.Now()
	defer func() {
		if orch.metrics != nil {
			orch.metrics.ObserveLatency("admit", time.Since(start))
		}
	}()
	result := AdmitResult{Stage: StageReceived}

	if matches, block := ScanRequest(orch.signatures, req.URL, req.UserAgent, req.Body); block {
		for _, match := range matches {
			orch.audit("threat_signature_"+match.Name, match.Severity, req, map[string]string{"target": match.Target})
		}
		orch.Escalate(ctx, req.ClientKey, ClassValidationFailure)
		return orch.reject(req, result, CodeThreatBlocked), nil
	}

	if policy.RateLimit != "" {
		decision, err := orch.limiter.Check(ctx, req.ClientKey, policy.RateLimit)
		if err != nil {
			return AdmitResult{}, err
		}
		result.Rate = decision
		if !decision.Allowed {
			orch.audit("rate_limit_exceeded", SeverityLow, req, map[string]string{"class": policy.RateLimit})
			return orch.reject(req, result, CodeRateLimited), nil
		}
	}
	result.Stage = StageRateChecked

	if policy.RequireAuth {
		if err := orch.verifier.VerifyAdminToken(req.AuthToken, orch.adminToken, req.ClientKey); err != nil {
			orch.Escalate(ctx, req.ClientKey, ClassAuthFailure)
			return orch.reject(req, result, CodeUnauthorized), nil
		}
	}

	if policy.RequireCSRF && req.Mutating {
		if err := orch.verifier.VerifyCSRF(req.CSRFCookie, req.CSRFHeader, req.ClientKey); err != nil {
			orch.Escalate(ctx, req.ClientKey, ClassAuthFailure)
			return orch.reject(req, result, CodeCSRFMismatch), nil
		}
		result.Stage = StageCSRFChecked
	}

	if policy.Schema != nil {
		if err := policy.Schema.Validate(req.Body); err != nil {
			orch.audit("validation_failed", SeverityLow, req, map[string]string{"error": err.Error()})
			orch.Escalate(ctx, req.ClientKey, ClassValidationFailure)
			return orch.reject(req, result, CodeValidationFailed), nil
		}
	}
	result.Stage = StageValidated

	result.Allowed = true
	if orch.metrics != nil {
		orch.metrics.IncAdmission(req.Route, "allowed")
	}
	return result, nil
}

// Observe records the handler outcome after a request was admitted.
func (orch *Orchestrator) Observe(req *InboundRequest, outcome string, severity Severity) {
	if orch == nil || req == nil {
		return
	}
	if orch.metrics != nil {
		orch.metrics.IncAdmission(req.Route, outcome)
	}
	orch.audit("request_"+outcome, severity, req, map[string]string{"method": req.Method})
}

func (orch *Orchestrator) reject(req *InboundRequest, result AdmitResult, code ErrorCode) AdmitResult {
	result.Allowed = false
	result.Stage = StageRejected
	result.Code = code
	if orch.metrics != nil {
		orch.metrics.IncAdmission(req.Route, "rejected")
	}
	return result
}

func (orch *Orchestrator) audit(eventType string, severity Severity, req *InboundRequest, details map[string]string) {
	if orch.recorder == nil {
		return
	}
	if details == nil {
		details = map[string]string{}
	}
	details["route"] = req.Route
	orch.recorder.Record(SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		ClientKey: req.ClientKey,
		At:        orch.clock.Now(),
		Details:   details,
	})
}

// Escalate evaluates the threat policy for one event class. Verification
// failures raised outside Admit (webhook signatures) use this so repeated
// failures still cross the alert thresholds.
func (orch *Orchestrator) Escalate(ctx context.Context, clientKey, eventClass string) {
	if orch == nil || orch.escalator == nil {
		return
	}
	if _, err := orch.escalator.Evaluate(ctx, clientKey, eventClass); err != nil && orch.logger != nil {
		orch.logger.Error("escalation evaluation failed", map[string]any{"error": err.Error()})
	}
}
