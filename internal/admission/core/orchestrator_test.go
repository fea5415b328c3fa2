package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"waitgate/internal/admission/observability"
)

type orchFixture struct {
	orch  *Orchestrator
	clock *ManualClock
	sink  *captureSink
	rec   *Recorder
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	sink := &captureSink{}
	rec := NewRecorder(sink, RecorderOptions{BatchMaxWait: 5 * time.Millisecond}, clock, observability.NopLogger{}, observability.NopMetrics{})
	limiter := newTestLimiter(clock, newFakeCounterStore(clock))
	verifier, err := NewVerifier([]byte("whsec_test"), DefaultSignatureTolerance, clock, rec, observability.NopMetrics{})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	orch, err := NewOrchestrator(limiter, verifier, rec, nil, nil, "admin-secret", clock, observability.NopMetrics{}, observability.NopLogger{})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &orchFixture{orch: orch, clock: clock, sink: sink, rec: rec}
}

// drain runs the recorder worker just long enough to flush queued events.
func (f *orchFixture) drain() {
	ctx, cancel := context.WithCancel(context.Background())
	f.rec.Start(ctx)
	cancel()
	f.rec.Wait()
}

func (f *orchFixture) eventTypes() []string {
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	types := make([]string, 0, len(f.sink.events))
	for _, event := range f.sink.events {
		types = append(types, event.Type)
	}
	return types
}

func cleanRequest() *InboundRequest {
	return &InboundRequest{
		Route:     "/api/applications",
		Method:    "POST",
		Mutating:  true,
		ClientKey: "203.0.113.7",
		URL:       "/api/applications",
		UserAgent: "Mozilla/5.0",
		Body:      []byte(`{"waveId":1,"email":"a@b.example"}`),
	}
}

func TestOrchestrator_AllowsCleanRequest(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{RateLimit: ClassApplicationSubmit}
	result, err := f.orch.Admit(context.Background(), policy, cleanRequest())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("clean request rejected: code=%q", result.Code)
	}
	if result.Stage != StageValidated {
		t.Fatalf("stage = %q, want %q", result.Stage, StageValidated)
	}
	if result.Rate.Limit != 3 || result.Rate.Remaining != 2 {
		t.Fatalf("rate = %+v, want limit 3 remaining 2", result.Rate)
	}
}

func TestOrchestrator_BlocksCriticalSignatures(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{RateLimit: ClassApplicationSubmit}

	cases := []struct {
		name    string
		mutate  func(*InboundRequest)
		wantLog string
	}{
		{
			name:    "script in body",
			mutate:  func(r *InboundRequest) { r.Body = []byte(`{"name":"<script>alert(1)</script>"}`) },
			wantLog: "threat_signature_script_injection",
		},
		{
			name:    "sql in url",
			mutate:  func(r *InboundRequest) { r.URL = "/api/applications?id=1' or '1'='1" },
			wantLog: "threat_signature_sql_injection",
		},
		{
			name:    "traversal in user agent",
			mutate:  func(r *InboundRequest) { r.UserAgent = "../../etc/passwd" },
			wantLog: "threat_signature_path_traversal",
		},
	}
	for _, tc := range cases {
		req := cleanRequest()
		tc.mutate(req)
		result, err := f.orch.Admit(context.Background(), policy, req)
		if err != nil {
			t.Fatalf("%s: admit: %v", tc.name, err)
		}
		if result.Allowed || result.Code != CodeThreatBlocked {
			t.Fatalf("%s: result = %+v, want threat block", tc.name, result)
		}
		if result.Stage != StageRejected {
			t.Fatalf("%s: stage = %q, want %q", tc.name, result.Stage, StageRejected)
		}
	}

	f.drain()
	types := f.eventTypes()
	for _, tc := range cases {
		found := false
		for _, typ := range types {
			if typ == tc.wantLog {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("%s: no %q audit event in %v", tc.name, tc.wantLog, types)
		}
	}
}

func TestOrchestrator_CommandInjectionAuditedNotBlocked(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	req := cleanRequest()
	req.Body = []byte(`{"note":"; cat /etc/passwd"}`)
	result, err := f.orch.Admit(context.Background(), RoutePolicy{}, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	// command injection is high severity, not critical: scan alone must not block
	if !result.Allowed {
		t.Fatalf("high-severity match blocked the request: %+v", result)
	}
}

func TestOrchestrator_RateDenialCarriesDecision(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{RateLimit: ClassApplicationSubmit}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result, err := f.orch.Admit(ctx, policy, cleanRequest())
		if err != nil || !result.Allowed {
			t.Fatalf("request %d: result=%+v err=%v", i, result, err)
		}
	}
	result, err := f.orch.Admit(ctx, policy, cleanRequest())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Allowed || result.Code != CodeRateLimited {
		t.Fatalf("result = %+v, want rate limited", result)
	}
	if result.Rate.RetryAfter < time.Second {
		t.Fatalf("retryAfter = %v, want >= 1s", result.Rate.RetryAfter)
	}

	f.drain()
	types := f.eventTypes()
	if len(types) == 0 || types[len(types)-1] != "rate_limit_exceeded" {
		t.Fatalf("audit events = %v, want trailing rate_limit_exceeded", types)
	}
}

func TestOrchestrator_AdminAuth(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{RequireAuth: true}
	ctx := context.Background()

	req := cleanRequest()
	req.AuthToken = "wrong"
	result, err := f.orch.Admit(ctx, policy, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Allowed || result.Code != CodeUnauthorized {
		t.Fatalf("result = %+v, want unauthorized", result)
	}

	req = cleanRequest()
	req.AuthToken = "admin-secret"
	result, err = f.orch.Admit(ctx, policy, req)
	if err != nil || !result.Allowed {
		t.Fatalf("valid token rejected: result=%+v err=%v", result, err)
	}
}

func TestOrchestrator_CSRFOnMutatingOnly(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{RequireCSRF: true}
	ctx := context.Background()

	req := cleanRequest()
	result, err := f.orch.Admit(ctx, policy, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Allowed || result.Code != CodeCSRFMismatch {
		t.Fatalf("mutating request without tokens: result = %+v, want csrf mismatch", result)
	}

	req = cleanRequest()
	req.CSRFCookie = "tok-1"
	req.CSRFHeader = "tok-2"
	result, err = f.orch.Admit(ctx, policy, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Allowed || result.Code != CodeCSRFMismatch {
		t.Fatalf("token mismatch: result = %+v, want csrf mismatch", result)
	}

	req = cleanRequest()
	req.CSRFCookie = "tok-1"
	req.CSRFHeader = "tok-1"
	result, err = f.orch.Admit(ctx, policy, req)
	if err != nil || !result.Allowed {
		t.Fatalf("matching tokens rejected: result=%+v err=%v", result, err)
	}

	// non-mutating requests skip the CSRF check entirely
	req = cleanRequest()
	req.Method = "GET"
	req.Mutating = false
	result, err = f.orch.Admit(ctx, policy, req)
	if err != nil || !result.Allowed {
		t.Fatalf("non-mutating request rejected: result=%+v err=%v", result, err)
	}
}

func TestOrchestrator_SchemaValidation(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	policy := RoutePolicy{
		Schema: ValidatorFunc(func(body []byte) error {
			if len(body) == 0 {
				return errors.New("empty body")
			}
			return nil
		}),
	}
	ctx := context.Background()

	req := cleanRequest()
	req.Body = nil
	result, err := f.orch.Admit(ctx, policy, req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if result.Allowed || result.Code != CodeValidationFailed {
		t.Fatalf("result = %+v, want validation failure", result)
	}

	result, err = f.orch.Admit(ctx, policy, cleanRequest())
	if err != nil || !result.Allowed {
		t.Fatalf("valid body rejected: result=%+v err=%v", result, err)
	}
}

func TestOrchestrator_RejectsIncompleteRequests(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Admit(ctx, RoutePolicy{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil request: err = %v, want invalid input", err)
	}
	req := cleanRequest()
	req.ClientKey = ""
	if _, err := f.orch.Admit(ctx, RoutePolicy{}, req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing client key: err = %v, want invalid input", err)
	}
}
