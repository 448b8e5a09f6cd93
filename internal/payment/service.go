package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"faregate/internal/bus"
	paymentsdb "faregate/internal/db/payments"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/event"
	"faregate/internal/idempotency"
	"faregate/internal/intent"
)

// DefaultIntentTTL bounds how long a saga may run before the abandonment
// sweep reclaims it.
const DefaultIntentTTL = 30 * time.Minute

var (
	ErrInvalidRequest  = errors.New("invalid payment request")
	ErrPaymentNotFound = errors.New("payment not found")
)

// InitiateRequest is a purchase submitted by a rider.
type InitiateRequest struct {
	UserID string `json:"user_id"`
	TripID string `json:"trip_id"`
	Seats  int64  `json:"seats"`
	Email  string `json:"email,omitempty"`
}

// Receipt is what the rider gets back while the saga runs.
type Receipt struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Service accepts purchases and answers status queries. Everything after
// Initiate happens asynchronously through the orchestrator.
type Service struct {
	intents   *intent.Store
	payments  *paymentsdb.Store
	trips     *tripsdb.Store
	idem      *idempotency.Cache
	pub       bus.Publisher
	intentTTL time.Duration
	newID     func() string
	logf      func(format string, args ...any)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithIntentTTL overrides the saga deadline.
func WithIntentTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.intentTTL = ttl }
}

// WithIDFunc overrides payment id generation (tests).
func WithIDFunc(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// WithServiceLogf overrides the logger.
func WithServiceLogf(logf func(format string, args ...any)) ServiceOption {
	return func(s *Service) { s.logf = logf }
}

// NewService wires the payment entry point.
func NewService(intents *intent.Store, payments *paymentsdb.Store, trips *tripsdb.Store, idem *idempotency.Cache, pub bus.Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		intents:   intents,
		payments:  payments,
		trips:     trips,
		idem:      idem,
		pub:       pub,
		intentTTL: DefaultIntentTTL,
		newID:     uuid.NewString,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate starts a payment saga and returns immediately with a PROCESSING
// receipt. Submitting the same idempotency key again replays the original
// receipt without starting a second saga.
func (s *Service) Initiate(ctx context.Context, idemKey string, req InitiateRequest) (Receipt, error) {
	if req.UserID == "" || req.TripID == "" || req.Seats <= 0 {
		return Receipt{}, ErrInvalidRequest
	}

	if idemKey != "" {
		var cached Receipt
		hit, err := s.idem.Lookup(ctx, idemKey, &cached)
		if err != nil {
			return Receipt{}, fmt.Errorf("initiate payment: %w", err)
		}
		if hit {
			s.logf("payment: replaying idempotency key=%s payment=%s", idemKey, cached.PaymentID)
			return cached, nil
		}
	}

	trip, err := s.trips.Get(ctx, req.TripID)
	if errors.Is(err, tripsdb.ErrTripNotFound) {
		return Receipt{}, fmt.Errorf("%w: unknown trip %s", ErrInvalidRequest, req.TripID)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("initiate payment: %w", err)
	}

	pid := s.newID()
	amount := trip.FarePerSeat * req.Seats

	it := intent.Intent{
		PaymentID: pid,
		UserID:    req.UserID,
		TripID:    req.TripID,
		Seats:     req.Seats,
		Amount:    amount,
		Email:     req.Email,
	}
	if err := s.intents.Create(ctx, it, s.intentTTL); err != nil {
		return Receipt{}, fmt.Errorf("initiate payment: %w", err)
	}

	env := event.Envelope{
		Kind:          event.PaymentInitiated,
		CorrelationID: pid,
		Payload: event.Payload{
			PaymentID: pid,
			UserID:    req.UserID,
			TripID:    req.TripID,
			Seats:     req.Seats,
			Amount:    amount,
			Email:     req.Email,
		},
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		return Receipt{}, fmt.Errorf("initiate payment: %w", err)
	}

	receipt := Receipt{PaymentID: pid, Status: intent.StatusProcessing, Amount: amount}
	if idemKey != "" {
		if err := s.idem.Record(ctx, idemKey, receipt); err != nil {
			s.logf("payment: record idempotency key=%s: %v", idemKey, err)
		}
	}
	return receipt, nil
}

// Status reports where the payment stands: the live intent while the saga
// runs, the durable payments table after completion. A payment known to
// neither was canceled and evicted, or never existed.
func (s *Service) Status(ctx context.Context, paymentID string) (Receipt, error) {
	it, err := s.intents.Get(ctx, paymentID)
	if err != nil {
		return Receipt{}, fmt.Errorf("payment status: %w", err)
	}
	if it != nil {
		return Receipt{PaymentID: it.PaymentID, Status: it.Status, Amount: it.Amount}, nil
	}

	p, err := s.payments.Get(ctx, paymentID)
	if errors.Is(err, paymentsdb.ErrPaymentNotFound) {
		return Receipt{}, ErrPaymentNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("payment status: %w", err)
	}
	return Receipt{PaymentID: p.PaymentID, Status: p.Status, Amount: p.Amount}, nil
}
