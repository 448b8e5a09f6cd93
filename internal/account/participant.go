package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"faregate/internal/bus"
	accountsdb "faregate/internal/db/accounts"
	"faregate/internal/event"
	"faregate/internal/holdstore"
)

// DefaultHoldTTL bounds how long a balance hold survives without a saga
// decision before the store reclaims it.
const DefaultHoldTTL = 15 * time.Minute

// Failure reason codes carried on balance_hold_failed events.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonUserNotFound      = "user_not_found"
)

// Queue is the durable queue this participant consumes from.
const Queue = "account-service"

// Participant reserves, captures and releases balance against payment sagas.
type Participant struct {
	accounts *accountsdb.Store
	holds    *holdstore.Store
	pub      bus.Publisher
	holdTTL  time.Duration
	logf     func(format string, args ...any)
}

// Option configures a Participant.
type Option func(*Participant)

// WithHoldTTL overrides the balance hold expiry.
func WithHoldTTL(ttl time.Duration) Option {
	return func(p *Participant) { p.holdTTL = ttl }
}

// WithLogf overrides the participant's logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(p *Participant) { p.logf = logf }
}

// NewParticipant wires the account side of the payment saga.
func NewParticipant(accounts *accountsdb.Store, holds *holdstore.Store, pub bus.Publisher, opts ...Option) *Participant {
	p := &Participant{
		accounts: accounts,
		holds:    holds,
		pub:      pub,
		holdTTL:  DefaultHoldTTL,
		logf:     log.Printf,
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

// Handle dispatches one delivery. It is safe to call repeatedly with the same
// event; every branch tolerates redelivery.
func (p *Participant) Handle(ctx context.Context, env event.Envelope) error {
	switch env.Kind {
	case event.PaymentInitiated:
		return p.hold(ctx, env)
	case event.PaymentAuthorized:
		return p.capture(ctx, env)
	case event.PaymentUnauthorized:
		return p.release(ctx, env)
	default:
		p.logf("account: ignoring event kind %q", env.Kind)
		return nil
	}
}

// hold places a TTL'd hold on the user's balance. Capacity for new holds is
// the account balance; the store subtracts the running hold total itself, so
// concurrent payments can never over-reserve.
func (p *Participant) hold(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	acct, err := p.accounts.Get(ctx, pay.UserID)
	if errors.Is(err, accountsdb.ErrUserNotFound) {
		return p.holdFailed(ctx, env, ReasonUserNotFound, "account does not exist")
	}
	if err != nil {
		return fmt.Errorf("account hold %s: %w", pay.PaymentID, err)
	}

	_, err = p.holds.CreateHold(ctx, pay.UserID, pay.PaymentID, pay.Amount, acct.Balance, p.holdTTL)
	if errors.Is(err, holdstore.ErrInsufficientCapacity) {
		return p.holdFailed(ctx, env, ReasonInsufficientFunds, "balance does not cover amount plus pending holds")
	}
	if err != nil {
		return fmt.Errorf("account hold %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.BalanceHeld, pay)
}

func (p *Participant) holdFailed(ctx context.Context, env event.Envelope, code, message string) error {
	pay := env.Payload
	pay.ReasonCode = code
	pay.ReasonMessage = message
	p.logf("account: hold failed for payment=%s user=%s reason=%s", pay.PaymentID, pay.UserID, code)
	return p.publish(ctx, env, event.BalanceHoldFailed, pay)
}

// capture converts the hold into a real deduction. The debit is recorded
// against the payment id before the hold is dropped, so a redelivery after a
// partial failure resumes the capture instead of losing the hold or charging
// twice. A missing hold means a previous delivery already finished.
func (p *Participant) capture(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	rec, err := p.holds.GetHold(ctx, pay.PaymentID)
	if err != nil {
		return fmt.Errorf("account capture %s: %w", pay.PaymentID, err)
	}
	if rec == nil {
		p.logf("account: capture for payment=%s found no hold, skipping", pay.PaymentID)
		return nil
	}

	reserved, err := p.holds.TotalHeld(ctx, rec.ResourceID)
	if err != nil {
		return fmt.Errorf("account capture %s: %w", pay.PaymentID, err)
	}
	// The hold under capture is part of the running total and must not block
	// its own debit.
	reserved -= rec.Amount
	if reserved < 0 {
		reserved = 0
	}
	if _, err := p.accounts.Capture(ctx, rec.ResourceID, pay.PaymentID, rec.Amount, reserved); err != nil {
		return fmt.Errorf("account capture %s: %w", pay.PaymentID, err)
	}

	if _, err := p.holds.RemoveHold(ctx, pay.PaymentID); err != nil {
		return fmt.Errorf("account capture %s: %w", pay.PaymentID, err)
	}
	if err := p.holds.DecreaseTotal(ctx, rec.ResourceID, rec.Amount); err != nil {
		return fmt.Errorf("account capture %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.BalanceUpdated, pay)
}

// release drops the hold without touching the balance. Missing holds are
// fine: either the hold never existed or a previous delivery already released
// it.
func (p *Participant) release(ctx context.Context, env event.Envelope) error {
	pay := env.Payload

	rec, err := p.holds.RemoveHold(ctx, pay.PaymentID)
	if err != nil {
		return fmt.Errorf("account release %s: %w", pay.PaymentID, err)
	}
	if rec == nil {
		return nil
	}

	if err := p.holds.DecreaseTotal(ctx, rec.ResourceID, rec.Amount); err != nil {
		return fmt.Errorf("account release %s: %w", pay.PaymentID, err)
	}

	return p.publish(ctx, env, event.BalanceReleased, pay)
}

// OnHoldExpired adapts the hold store's expiry sweep into the same
// balance_released signal an explicit release produces, so the orchestrator
// cannot tell the two apart.
func (p *Participant) OnHoldExpired(ctx context.Context, resourceID, paymentID string, amount int64) {
	env := event.Envelope{
		Kind:          event.BalanceReleased,
		CorrelationID: paymentID,
		Payload: event.Payload{
			PaymentID: paymentID,
			UserID:    resourceID,
			Amount:    amount,
		},
	}
	if err := p.pub.Publish(ctx, env); err != nil {
		p.logf("account: publish expired-hold release for payment=%s: %v", paymentID, err)
	}
}

func (p *Participant) publish(ctx context.Context, in event.Envelope, kind event.Kind, pay event.Payload) error {
	out := event.Envelope{Kind: kind, CorrelationID: in.CorrelationID, Payload: pay}
	if err := p.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("account publish %s for payment=%s: %w", kind, pay.PaymentID, err)
	}
	return nil
}
