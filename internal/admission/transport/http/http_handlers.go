package http

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"waitgate/internal/admission/core"
)

const defaultMaxBodyBytes = 1 << 20

func setSecurityHeaders(w nethttp.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func setRateHeaders(w nethttp.ResponseWriter, decision core.Decision) {
	if decision.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func (t *HTTPTransport) inbound(r *nethttp.Request, route string, mutating bool, body []byte) *core.InboundRequest {
	req := &core.InboundRequest{
		Route:     route,
		Method:    r.Method,
		Mutating:  mutating,
		ClientKey: core.ClientKey(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), t.trustForwarded, r.UserAgent()),
		URL:       r.URL.String(),
		UserAgent: r.UserAgent(),
		Body:      body,
	}
	if cookie, err := r.Cookie(csrfCookieName); err == nil {
		req.CSRFCookie = cookie.Value
	}
	req.CSRFHeader = r.Header.Get(csrfHeaderName)
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		req.AuthToken = strings.TrimPrefix(auth, "Bearer ")
	}
	return req
}

// admit runs the orchestrator and writes the rejection when the request is
// denied. Rate headers go on every response, allowed or not.
func (t *HTTPTransport) admit(w nethttp.ResponseWriter, r *nethttp.Request, policy core.RoutePolicy, req *core.InboundRequest) bool {
	result, err := t.services.Orchestrator.Admit(r.Context(), policy, req)
	setRateHeaders(w, result.Rate)
	if result.Allowed {
		return true
	}
	switch result.Code {
	case core.CodeRateLimited:
		retry := int64(result.Rate.RetryAfter / time.Second)
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		t.writeError(w, r, nethttp.StatusTooManyRequests, core.ErrRateLimited)
	case core.CodeCSRFMismatch:
		t.writeError(w, r, nethttp.StatusForbidden, core.ErrCSRFMismatch)
	case core.CodeUnauthorized:
		t.writeError(w, r, nethttp.StatusUnauthorized, core.ErrUnauthorized)
	case core.CodeThreatBlocked, core.CodeValidationFailed:
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrValidationFailed)
	default:
		if err == nil {
			err = core.ErrInvalidInput
		}
		t.writeError(w, r, nethttp.StatusBadRequest, err)
	}
	return false
}

func (t *HTTPTransport) handleSeats(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	req := t.inbound(r, "/v1/seats", false, nil)
	if !t.admit(w, r, core.RoutePolicy{RateLimit: core.ClassSeatPoll}, req) {
		return
	}
	availability, err := t.services.Seats.AvailabilityAll(r.Context())
	if err != nil {
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	resp := httpSeatsResponse{AvailableByWave: make([]httpWaveAvailability, 0, len(availability))}
	for _, av := range availability {
		resp.AvailableByWave = append(resp.AvailableByWave, fromAvailability(av))
	}
	w.Header().Set("Cache-Control", "public, max-age=30")
	writeJSON(w, nethttp.StatusOK, resp)
	t.services.Orchestrator.Observe(req, "allowed", core.SeverityLow)
}

func (t *HTTPTransport) handleCSRF(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	req := t.inbound(r, "/v1/csrf", false, nil)
	if !t.admit(w, r, core.RoutePolicy{RateLimit: core.ClassSeatPoll}, req) {
		return
	}
	token, err := core.NewCSRFToken()
	if err != nil {
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	nethttp.SetCookie(w, &nethttp.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   t.secureCookies,
		SameSite: nethttp.SameSiteStrictMode,
		MaxAge:   int(12 * time.Hour / time.Second),
	})
	writeJSON(w, nethttp.StatusOK, httpCSRFResponse{Token: token})
}

func validateApplication(body []byte) error {
	var req httpApplicationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return core.ErrValidationFailed
	}
	if req.WaveID <= 0 || req.Email == "" || !strings.Contains(req.Email, "@") {
		return core.ErrValidationFailed
	}
	return nil
}

func (t *HTTPTransport) handleApplications(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodPost {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	body, err := t.readBody(w, r)
	if err != nil {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	req := t.inbound(r, "/v1/applications", true, body)
	policy := core.RoutePolicy{
		RateLimit:   core.ClassApplicationSubmit,
		RequireCSRF: true,
		Schema:      core.ValidatorFunc(validateApplication),
	}
	if !t.admit(w, r, policy, req) {
		return
	}

	var appReq httpApplicationRequest
	if err := json.Unmarshal(body, &appReq); err != nil {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	reservation, grant, err := t.services.Applications.Submit(r.Context(), req.ClientKey, appReq.WaveID)
	if err != nil {
		t.services.Orchestrator.Observe(req, "rejected", core.SeverityLow)
		switch core.CodeOf(err) {
		case core.CodeSeatUnavailable:
			t.writeError(w, r, nethttp.StatusConflict, core.ErrSeatUnavailable)
		case core.CodeInvalidInput, core.CodeNotFound:
			t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		default:
			t.writeError(w, r, nethttp.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, nethttp.StatusCreated, httpApplicationResponse{
		ReservationID: reservation.ID,
		WaveID:        reservation.WaveID,
		Remaining:     grant.Remaining,
	})
	t.services.Orchestrator.Observe(req, "granted", core.SeverityLow)
}

func validateCheckout(body []byte) error {
	var req httpCheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return core.ErrValidationFailed
	}
	if req.WaveID <= 0 || req.ReservationID == "" {
		return core.ErrValidationFailed
	}
	return nil
}

func (t *HTTPTransport) handleCheckout(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodPost {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	body, err := t.readBody(w, r)
	if err != nil {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	req := t.inbound(r, "/v1/checkout", true, body)
	policy := core.RoutePolicy{
		RateLimit:   core.ClassCheckoutCreate,
		RequireCSRF: true,
		Schema:      core.ValidatorFunc(validateCheckout),
	}
	if !t.admit(w, r, policy, req) {
		return
	}

	var checkoutReq httpCheckoutRequest
	if err := json.Unmarshal(body, &checkoutReq); err != nil {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	writeJSON(w, nethttp.StatusCreated, httpCheckoutResponse{
		CheckoutID:    uuid.NewString(),
		ReservationID: checkoutReq.ReservationID,
		WaveID:        checkoutReq.WaveID,
	})
	t.services.Orchestrator.Observe(req, "granted", core.SeverityLow)
}

func (t *HTTPTransport) handlePaymentWebhook(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodPost {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	body, err := t.readBody(w, r)
	if err != nil {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	req := t.inbound(r, "/v1/webhooks/payment", true, body)
	if !t.admit(w, r, core.RoutePolicy{RateLimit: core.ClassSignup}, req) {
		return
	}

	if err := t.services.Verifier.VerifyWebhook(body, r.Header.Get(signatureHeader), req.ClientKey); err != nil {
		t.services.Orchestrator.Escalate(r.Context(), req.ClientKey, core.ClassSignatureFailure)
		switch core.CodeOf(err) {
		case core.CodeInvalidInput:
			t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		default:
			t.writeError(w, r, nethttp.StatusUnauthorized, core.ErrSignatureInvalid)
		}
		return
	}
	if err := t.services.Webhooks.Process(r.Context(), body, req.ClientKey); err != nil {
		switch core.CodeOf(err) {
		case core.CodeInvalidInput, core.CodeValidationFailed:
			t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]string{"status": "processed"})
	t.services.Orchestrator.Observe(req, "processed", core.SeverityLow)
}

func (t *HTTPTransport) handleAdminLimits(w nethttp.ResponseWriter, r *nethttp.Request) {
	body, _, ok := t.admitAdmin(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case nethttp.MethodGet:
		classes, err := t.services.Admin.ListLimits(r.Context())
		if err != nil {
			t.writeError(w, r, nethttp.StatusInternalServerError, err)
			return
		}
		out := make([]httpLimitClass, 0, len(classes))
		for _, class := range classes {
			out = append(out, fromLimitClass(class))
		}
		writeJSON(w, nethttp.StatusOK, out)
	case nethttp.MethodPut:
		var updateReq httpUpdateLimitRequest
		if err := json.Unmarshal(body, &updateReq); err != nil {
			t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		class, err := t.services.Admin.UpdateLimit(r.Context(), toUpdateLimitRequest(updateReq))
		if err != nil {
			switch core.CodeOf(err) {
			case core.CodeConflict:
				t.writeError(w, r, nethttp.StatusConflict, err)
			case core.CodeInvalidInput, core.CodeNotFound:
				t.writeError(w, r, nethttp.StatusBadRequest, err)
			default:
				t.writeError(w, r, nethttp.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, nethttp.StatusOK, fromLimitClass(class))
	default:
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleAdminAlerts(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodGet {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	_, _, ok := t.admitAdmin(w, r)
	if !ok {
		return
	}
	onlyOpen := r.URL.Query().Get("open") == "true"
	alerts, err := t.services.Admin.ListAlerts(r.Context(), onlyOpen)
	if err != nil {
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	out := make([]httpThreatAlert, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, fromThreatAlert(alert))
	}
	writeJSON(w, nethttp.StatusOK, out)
}

func (t *HTTPTransport) handleAdminAlertAck(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodPost {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	body, _, ok := t.admitAdmin(w, r)
	if !ok {
		return
	}
	var ackReq httpAckAlertRequest
	if err := json.Unmarshal(body, &ackReq); err != nil || ackReq.ID == "" {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	if err := t.services.Admin.AcknowledgeAlert(r.Context(), ackReq.ID); err != nil {
		if core.CodeOf(err) == core.CodeNotFound {
			t.writeError(w, r, nethttp.StatusNotFound, err)
			return
		}
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]string{"status": "acknowledged"})
}

func (t *HTTPTransport) handleAdminReconcile(w nethttp.ResponseWriter, r *nethttp.Request) {
	if r.Method != nethttp.MethodPost {
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		return
	}
	body, _, ok := t.admitAdmin(w, r)
	if !ok {
		return
	}
	var recReq httpReconcileRequest
	if err := json.Unmarshal(body, &recReq); err != nil || recReq.WaveID <= 0 {
		t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	confirmed, err := t.services.Admin.ReconcileWave(r.Context(), recReq.WaveID)
	if err != nil {
		if core.CodeOf(err) == core.CodeNotFound {
			t.writeError(w, r, nethttp.StatusNotFound, err)
			return
		}
		t.writeError(w, r, nethttp.StatusInternalServerError, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, httpReconcileResponse{WaveID: recReq.WaveID, Confirmed: confirmed})
}

// admitAdmin reads the body and runs the orchestrator with the admin policy.
func (t *HTTPTransport) admitAdmin(w nethttp.ResponseWriter, r *nethttp.Request) ([]byte, *core.InboundRequest, bool) {
	var body []byte
	if r.Method == nethttp.MethodPost || r.Method == nethttp.MethodPut {
		var err error
		body, err = t.readBody(w, r)
		if err != nil {
			t.writeError(w, r, nethttp.StatusBadRequest, core.ErrInvalidInput)
			return nil, nil, false
		}
	}
	req := t.inbound(r, r.URL.Path, r.Method != nethttp.MethodGet, body)
	policy := core.RoutePolicy{RateLimit: core.ClassAdmin, RequireAuth: true}
	if !t.admit(w, r, policy, req) {
		return nil, nil, false
	}
	return body, req, true
}

func (t *HTTPTransport) handleHealth(w nethttp.ResponseWriter, r *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w nethttp.ResponseWriter, r *nethttp.Request) {
	if t.appReady == nil || !t.appReady() {
		writeJSON(w, nethttp.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ready"})
}

func (t *HTTPTransport) readBody(w nethttp.ResponseWriter, r *nethttp.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, core.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = nethttp.MaxBytesReader(w, r.Body, maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, core.ErrInvalidInput
	}
	return body, nil
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w nethttp.ResponseWriter, r *nethttp.Request, status int, err error) {
	if t != nil && t.logger != nil && status >= 500 {
		t.logger.Error("request failed", map[string]any{
			"path":   r.URL.Path,
			"status": status,
			"error":  err.Error(),
		})
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error(), Code: string(core.CodeOf(err))})
}
