package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"faregate/internal/bus"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/event"
	"faregate/internal/holdstore"
)

// DefaultLockTTL bounds how long a seat lock survives without a saga decision.
const DefaultLockTTL = 15 * time.Minute

// Failure reason codes carried on seats_lock_failed events.
const (
	ReasonNotEnoughSeats = "not_enough_seats"
	ReasonTripNotFound   = "trip_not_found"
)

// Queue is the durable queue this participant consumes from.
const Queue = "inventory-service"

// Participant locks, confirms and unlocks trip seats against payment sagas.
type Participant struct {
	trips   *tripsdb.Store
	locks   *holdstore.Store
	pub     bus.Publisher
	lockTTL time.Duration
	logf    func(format string, args ...any)
}

// Option configures a Participant.
type Option func(*Participant)

// WithLockTTL overrides the seat lock expiry.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Participant) { p.lockTTL = ttl }
}

// WithLogf overrides the participant's logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(p *Participant) { p.logf = logf }
}

// NewParticipant wires the inventory side of the payment saga.
func NewParticipant(trips *tripsdb.Store, locks *holdstore.Store, pub bus.Publisher, opts ...Option) *Participant {
	p := &Participant{
		trips:   trips,
		locks:   locks,
		pub:     pub,
		lockTTL: DefaultLockTTL,
		logf:    log.Printf,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds the participant's queue to the payment events it reacts to.
func (p *Participant) Register(ctx context.Context, sub bus.Subscriber) error {
	kinds := []event.Kind{
		event.PaymentInitiated,
		event.PaymentAuthorized,
		event.PaymentUnauthorized,
	}
	return sub.Subscribe(ctx, Queue, kinds, p.Handle)
}

// Handle dispatches one delivery. Every branch tolerates redelivery.
func (p *Participant) Handle(ctx context.Context, env event.Envelope) error {
	switch env.Kind {
	case event.PaymentInitiated:
		return p.lock(ctx, env)
	case event.PaymentAuthorized:
		return p.confirm(ctx, env)
	case event.PaymentUnauthorized:
		return p.unlock(ctx, env)
	default:
		p.logf("inventory: ignoring event kind %q", env.Kind)
		return nil
	}
}

// lock reserves seats on the trip. Capacity for new locks is the trip's
// unconfirmed seats; the lock store subtracts the running lock total, so
// concurrent payments cannot oversell the trip.
func (p *Participant) lock(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	trip, err := p.trips.Get(ctx, pay.TripID)
	if errors.Is(err, tripsdb.ErrTripNotFound) {
		return p.lockFailed(ctx, env, ReasonTripNotFound, "trip does not exist")
	}
	if err != nil {
		return fmt.Errorf("seat lock %s: %w", pay.PaymentID, err)
	}

	_, err = p.locks.CreateHold(ctx, pay.TripID, pay.PaymentID, pay.Seats, trip.Remaining(), p.lockTTL)
	if errors.Is(err, holdstore.ErrInsufficientCapacity) {
		return p.lockFailed(ctx, env, ReasonNotEnoughSeats, "not enough unreserved seats left")
	}
	if err != nil {
		return fmt.Errorf("seat lock %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.SeatsLocked, pay)
}

func (p *Participant) lockFailed(ctx context.Context, env event.Envelope, code, message string) error {
	pay := env.Payload
	pay.ReasonCode = code
	pay.ReasonMessage = message
	p.logf("inventory: lock failed for payment=%s trip=%s reason=%s", pay.PaymentID, pay.TripID, code)
	return p.publish(ctx, env, event.SeatsLockFailed, pay)
}

// confirm converts the lock into confirmed seats on the trip row. The seat
// counter moves at most once per payment id and the lock is dropped only once
// the confirmation is durable, so a redelivery after a partial failure
// resumes the confirmation.
func (p *Participant) confirm(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	rec, err := p.locks.GetHold(ctx, pay.PaymentID)
	if err != nil {
		return fmt.Errorf("seat confirm %s: %w", pay.PaymentID, err)
	}
	if rec == nil {
		p.logf("inventory: confirm for payment=%s found no lock, skipping", pay.PaymentID)
		return nil
	}

	if _, err := p.trips.ConfirmSeats(ctx, rec.ResourceID, pay.PaymentID, rec.Amount); err != nil {
		return fmt.Errorf("seat confirm %s: %w", pay.PaymentID, err)
	}

	if _, err := p.locks.RemoveHold(ctx, pay.PaymentID); err != nil {
		return fmt.Errorf("seat confirm %s: %w", pay.PaymentID, err)
	}
	if err := p.locks.DecreaseTotal(ctx, rec.ResourceID, rec.Amount); err != nil {
		return fmt.Errorf("seat confirm %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.SeatsConfirmed, pay)
}

// unlock drops the lock without confirming seats.
func (p *Participant) unlock(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	rec, err := p.locks.RemoveHold(ctx, pay.PaymentID)
	if err != nil {
		return fmt.Errorf("seat unlock %s: %w", pay.PaymentID, err)
	}
	if rec == nil {
		return nil
	}

	if err := p.locks.DecreaseTotal(ctx, rec.ResourceID, rec.Amount); err != nil {
		return fmt.Errorf("seat unlock %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.SeatsUnlocked, pay)
}

// OnLockExpired adapts the lock store's expiry sweep into the same
// seats_unlocked signal an explicit unlock produces.
func (p *Participant) OnLockExpired(ctx context.Context, resourceID, paymentID string, amount int64) {
	env := event.Envelope{
		Kind:          event.SeatsUnlocked,
		CorrelationID: paymentID,
		Payload: event.Payload{
			PaymentID: paymentID,
			TripID:    resourceID,
			Seats:     amount,
		},
	}
	if err := p.pub.Publish(ctx, env); err != nil {
		p.logf("inventory: publish expired-lock unlock for payment=%s: %v", paymentID, err)
	}
}

func (p *Participant) publish(ctx context.Context, in event.Envelope, kind event.Kind, pay event.Payload) error {
	out := event.Envelope{Kind: kind, CorrelationID: in.CorrelationID, Payload: pay}
	if err := p.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("inventory publish %s for payment=%s: %w", kind, pay.PaymentID, err)
	}
	return nil
}
