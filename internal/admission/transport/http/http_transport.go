// Package http serves the public admission API and the admin API.
package http

import (
	"context"
	"errors"
	"net"
	nethttp "net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"waitgate/internal/admission/core"
	"waitgate/internal/admission/observability"
)

// Services are the collaborators the transport exposes over HTTP.
type Services struct {
	Orchestrator *core.Orchestrator
	Applications *core.ApplicationService
	Seats        *core.SeatController
	Webhooks     *core.WebhookProcessor
	Verifier     *core.Verifier
	Admin        *core.AdminHandler
}

// HTTPTransport serves the admission and admin APIs over HTTP.
type HTTPTransport struct {
	addr     string
	srv      *nethttp.Server
	services Services
	appReady func() bool
	inflight *core.InFlight
	metrics  *observability.PromMetrics
	logger   observability.Logger

	trustForwarded bool
	secureCookies  bool
	maxBodyBytes   int64

	mux nethttp.Handler
	mu  sync.Mutex
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithTrustForwarded honors the first X-Forwarded-For hop when building
// client keys. Enable only behind a trusted proxy.
func WithTrustForwarded(trust bool) TransportOption {
	return func(t *HTTPTransport) { t.trustForwarded = trust }
}

// WithSecureCookies controls the Secure attribute on issued cookies.
// Disable only for plain-HTTP development setups.
func WithSecureCookies(secure bool) TransportOption {
	return func(t *HTTPTransport) { t.secureCookies = secure }
}

// WithMaxBodyBytes caps accepted request bodies.
func WithMaxBodyBytes(n int64) TransportOption {
	return func(t *HTTPTransport) { t.maxBodyBytes = n }
}

// WithMetrics attaches the Prometheus registry served at /metrics.
func WithMetrics(m *observability.PromMetrics) TransportOption {
	return func(t *HTTPTransport) { t.metrics = m }
}

// WithLogger sets the transport logger.
func WithLogger(l observability.Logger) TransportOption {
	return func(t *HTTPTransport) { t.logger = l }
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool, opts ...TransportOption) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	t := &HTTPTransport{
		addr:          addr,
		appReady:      ready,
		inflight:      core.NewInFlight(),
		logger:        observability.NopLogger{},
		secureCookies: true,
		maxBodyBytes:  defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configure registers the service collaborators.
func (t *HTTPTransport) Configure(services Services) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if services.Orchestrator == nil {
		return errors.New("orchestrator is required")
	}
	if services.Applications == nil {
		return errors.New("application service is required")
	}
	if services.Seats == nil {
		return errors.New("seat controller is required")
	}
	if services.Webhooks == nil {
		return errors.New("webhook processor is required")
	}
	if services.Verifier == nil {
		return errors.New("verifier is required")
	}
	if services.Admin == nil {
		return errors.New("admin handler is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = services
	return nil
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &nethttp.Server{Addr: t.addr, Handler: handler}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, then waits for in-flight requests.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.inflight.Close()
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return t.inflight.Wait(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (nethttp.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (nethttp.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.services.Orchestrator == nil {
		return nil, errors.New("services must be registered before starting")
	}
	mux := nethttp.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux, nil
}

func (t *HTTPTransport) registerRoutes(mux *nethttp.ServeMux) {
	mux.HandleFunc("/v1/seats", t.guard(t.handleSeats))
	mux.HandleFunc("/v1/csrf", t.guard(t.handleCSRF))
	mux.HandleFunc("/v1/applications", t.guard(t.handleApplications))
	mux.HandleFunc("/v1/checkout", t.guard(t.handleCheckout))
	mux.HandleFunc("/v1/webhooks/payment", t.guard(t.handlePaymentWebhook))
	mux.HandleFunc("/v1/admin/limits", t.guard(t.handleAdminLimits))
	mux.HandleFunc("/v1/admin/alerts", t.guard(t.handleAdminAlerts))
	mux.HandleFunc("/v1/admin/alerts/ack", t.guard(t.handleAdminAlertAck))
	mux.HandleFunc("/v1/admin/waves/reconcile", t.guard(t.handleAdminReconcile))
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	if t.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(t.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// guard tracks the request for drain and refuses new work once shutdown
// begins.
func (t *HTTPTransport) guard(next nethttp.HandlerFunc) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !t.inflight.Begin() {
			w.Header().Set("Connection", "close")
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		defer t.inflight.End()
		setSecurityHeaders(w)
		next(w, r)
	}
}
