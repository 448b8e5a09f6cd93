// Package httpapi exposes the rider-facing HTTP surface: payment initiation
// and status, OTP verification, trips, accounts, gate operations and the
// realtime status socket.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	accountsdb "faregate/internal/db/accounts"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/holdstore"
	"faregate/internal/journey"
	"faregate/internal/observability"
	"faregate/internal/otp"
	"faregate/internal/payment"
	"faregate/internal/realtime"
)

var errServerFailure = errors.New("handler returned 5xx")

// RateLimiter gates ingress; requests wait for a token before being served.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Server bundles the handlers and their dependencies.
type Server struct {
	payments *payment.Service
	otp      *otp.Service
	accounts *accountsdb.Store
	trips    *tripsdb.Store
	journeys *journey.Service
	holds    *holdstore.Store
	hub      *realtime.Hub
	metrics  *observability.Metrics
	limiter  RateLimiter
	upgrader websocket.Upgrader
	logf     func(format string, args ...any)
}

// Option configures a Server.
type Option func(*Server)

// WithHub enables the /ws/payments socket.
func WithHub(hub *realtime.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics enables the /metrics endpoint and per-route spans.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit gates every API route behind the limiter.
func WithRateLimit(limiter RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithLogf overrides the logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Server) { s.logf = logf }
}

// NewServer wires the HTTP surface. holds supplies the balance-hold totals
// shown on account reads.
func NewServer(payments *payment.Service, otpSvc *otp.Service, accounts *accountsdb.Store, trips *tripsdb.Store, journeys *journey.Service, holds *holdstore.Store, opts ...Option) *Server {
	s := &Server{
		payments: payments,
		otp:      otpSvc,
		accounts: accounts,
		trips:    trips,
		journeys: journeys,
		holds:    holds,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLog)
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", observability.Handler(s.metrics)).Methods(http.MethodGet)
	}

	r.HandleFunc("/payments", s.instrument("payments.initiate", s.handleInitiatePayment)).Methods(http.MethodPost)
	r.HandleFunc("/payments/{id}", s.instrument("payments.status", s.handlePaymentStatus)).Methods(http.MethodGet)
	r.HandleFunc("/otp/verify", s.instrument("otp.verify", s.handleVerifyOTP)).Methods(http.MethodPost)

	r.HandleFunc("/trips", s.instrument("trips.search", s.handleSearchTrips)).Methods(http.MethodGet)
	r.HandleFunc("/trips/{id}", s.instrument("trips.get", s.handleGetTrip)).Methods(http.MethodGet)

	r.HandleFunc("/accounts/{id}", s.instrument("accounts.get", s.handleGetAccount)).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/topup", s.instrument("accounts.topup", s.handleTopUp)).Methods(http.MethodPost)

	r.HandleFunc("/journeys/purchase", s.instrument("journeys.purchase", s.handlePurchaseTicket)).Methods(http.MethodPost)
	r.HandleFunc("/journeys", s.instrument("journeys.history", s.handleJourneyHistory)).Methods(http.MethodGet)
	r.HandleFunc("/journeys/{code}/penalty", s.instrument("journeys.penalty", s.handlePayPenalty)).Methods(http.MethodPost)
	r.HandleFunc("/gate/checkin", s.instrument("gate.checkin", s.handleCheckIn)).Methods(http.MethodPost)
	r.HandleFunc("/gate/checkout", s.instrument("gate.checkout", s.handleCheckOut)).Methods(http.MethodPost)

	if s.hub != nil {
		r.HandleFunc("/ws/payments", s.handlePaymentSocket).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePaymentSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("httpapi: websocket upgrade: %v", err)
		return
	}
	s.hub.Register <- conn
}

// requestLog logs every request. Kept separate from instrumentation so the
// health and socket routes get logged too.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logf("httpapi: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// instrument records a metrics span per logical route.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		span := s.metrics.Start(name)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		var spanErr error
		if rec.status >= http.StatusInternalServerError {
			spanErr = errServerFailure
		}
		span.End(spanErr)
	}
}

// rateLimit makes every request wait for an ingress token. Disconnected
// clients stop waiting through the request context.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			if err := s.limiter.Wait(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "rate_limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
