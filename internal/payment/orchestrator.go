package payment

import (
	"context"
	"fmt"
	"log"

	"faregate/internal/bus"
	paymentsdb "faregate/internal/db/payments"
	"faregate/internal/event"
	"faregate/internal/intent"
	"faregate/internal/observability"
)

// Queue is the durable queue the orchestrator consumes from.
const Queue = "payment-orchestrator"

// Broadcaster pushes terminal payment statuses to connected clients.
type Broadcaster interface {
	BroadcastPayment(paymentID, status string)
}

// Orchestrator drives each payment saga from participant events. All state
// lives in the intent store; the orchestrator itself is stateless, so any
// replica can process any delivery.
type Orchestrator struct {
	intents  *intent.Store
	payments *paymentsdb.Store
	pub      bus.Publisher
	caster   Broadcaster
	metrics  *observability.Metrics
	logf     func(format string, args ...any)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBroadcaster sets the realtime status push target.
func WithBroadcaster(b Broadcaster) OrchestratorOption {
	return func(o *Orchestrator) { o.caster = b }
}

// WithMetrics sets the saga outcome counters.
func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOrchestratorLogf overrides the logger.
func WithOrchestratorLogf(logf func(format string, args ...any)) OrchestratorOption {
	return func(o *Orchestrator) { o.logf = logf }
}

// NewOrchestrator wires the saga coordinator.
func NewOrchestrator(intents *intent.Store, payments *paymentsdb.Store, pub bus.Publisher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		intents:  intents,
		payments: payments,
		pub:      pub,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register binds the orchestrator queue to every participant signal.
func (o *Orchestrator) Register(ctx context.Context, sub bus.Subscriber) error {
	kinds := []event.Kind{
		event.BalanceHeld, event.BalanceHoldFailed,
		event.SeatsLocked, event.SeatsLockFailed,
		event.OTPSucceeded, event.OTPExpired,
		event.BalanceUpdated, event.SeatsConfirmed,
		event.BalanceReleased, event.SeatsUnlocked,
	}
	return sub.Subscribe(ctx, Queue, kinds, o.Handle)
}

// Handle advances the saga for one delivered event. Deliveries may arrive out
// of order and more than once; every branch folds its fact into the intent
// with a CAS patch and then checks whether the accumulated facts unlock the
// next step. Events for unknown payments are dropped: the intent was evicted
// after a terminal state or by the abandonment sweep.
func (o *Orchestrator) Handle(ctx context.Context, env event.Envelope) error {
	pid := env.Payload.PaymentID
	if pid == "" {
		o.logf("orchestrator: dropping %s event without payment_id", env.Kind)
		return nil
	}

	switch env.Kind {
	case event.BalanceHeld:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.AccountHeld = true }, o.tryStartProcessing)
	case event.SeatsLocked:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.SeatsLocked = true }, o.tryStartProcessing)

	case event.BalanceHoldFailed:
		// The account never held, so no release will ever arrive for it.
		return o.onHoldFailure(ctx, env, func(it *intent.Intent) { it.ReleaseDone = true })
	case event.SeatsLockFailed:
		return o.onHoldFailure(ctx, env, func(it *intent.Intent) { it.UnlockDone = true })

	case event.OTPSucceeded:
		return o.onAuthorized(ctx, env)
	case event.OTPExpired:
		return o.onOTPExpired(ctx, env)

	case event.BalanceUpdated:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.AccountDone = true }, o.tryFinalize)
	case event.SeatsConfirmed:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.SeatsDone = true }, o.tryFinalize)

	case event.BalanceReleased:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.ReleaseDone = true }, o.tryFinalizeCancel)
	case event.SeatsUnlocked:
		return o.onFact(ctx, pid, func(it *intent.Intent) { it.UnlockDone = true }, o.tryFinalizeCancel)

	default:
		o.logf("orchestrator: ignoring event kind %q", env.Kind)
		return nil
	}
}

// onFact records one participant fact and runs the follow-up check.
func (o *Orchestrator) onFact(ctx context.Context, pid string, apply func(*intent.Intent), next func(context.Context, string) error) error {
	it, err := o.intents.Patch(ctx, pid, apply)
	if err != nil {
		return fmt.Errorf("orchestrator patch payment=%s: %w", pid, err)
	}
	if it == nil {
		o.logf("orchestrator: no intent for payment=%s, dropping", pid)
		return nil
	}
	return next(ctx, pid)
}

// tryStartProcessing emits payment_processing once both holds landed. The
// processing_sent flag makes exactly one handler the emitter even when
// balance_held and seats_locked race.
func (o *Orchestrator) tryStartProcessing(ctx context.Context, pid string) error {
	it, err := o.intents.Get(ctx, pid)
	if err != nil {
		return err
	}
	if it == nil || !it.AccountHeld || !it.SeatsLocked {
		return nil
	}

	won, it, err := o.intents.AcquireFlag(ctx, pid, intent.FlagProcessingSent)
	if err != nil {
		return err
	}
	if !won || it == nil {
		return nil
	}

	return o.publish(ctx, event.PaymentProcessing, *it)
}

// onHoldFailure cancels the saga when a participant could not reserve. The
// side that failed gets its compensation flag pre-set: that participant never
// held anything, so no release or unlock event will come from it.
func (o *Orchestrator) onHoldFailure(ctx context.Context, env event.Envelope, markFailedSide func(*intent.Intent)) error {
	pid := env.Payload.PaymentID
	it, err := o.intents.Patch(ctx, pid, func(it *intent.Intent) {
		if !it.Terminal() {
			it.Status = intent.StatusFailed
		}
		markFailedSide(it)
	})
	if err != nil {
		return fmt.Errorf("orchestrator hold failure payment=%s: %w", pid, err)
	}
	if it == nil {
		return nil
	}

	won, it, err := o.intents.AcquireFlag(ctx, pid, intent.FlagProcessingSent)
	if err != nil {
		return err
	}
	if won && it != nil {
		// First decision for this saga: tell the other side to compensate.
		out := *it
		out.Status = intent.StatusFailed
		if err := o.publishUnauthorized(ctx, out, env.Payload.ReasonCode, env.Payload.ReasonMessage); err != nil {
			return err
		}
	}
	return o.tryFinalizeCancel(ctx, pid)
}

// onAuthorized moves the saga to AUTHORIZED after OTP verification and tells
// both participants to capture.
func (o *Orchestrator) onAuthorized(ctx context.Context, env event.Envelope) error {
	pid := env.Payload.PaymentID
	moved := false
	it, err := o.intents.Patch(ctx, pid, func(it *intent.Intent) {
		moved = false
		if it.Status == intent.StatusProcessing {
			it.Status = intent.StatusAuthorized
			moved = true
		}
	})
	if err != nil {
		return fmt.Errorf("orchestrator authorize payment=%s: %w", pid, err)
	}
	if it == nil || !moved {
		return nil
	}
	return o.publish(ctx, event.PaymentAuthorized, *it)
}

// onOTPExpired cancels a saga whose OTP was never verified in time.
func (o *Orchestrator) onOTPExpired(ctx context.Context, env event.Envelope) error {
	pid := env.Payload.PaymentID
	moved := false
	it, err := o.intents.Patch(ctx, pid, func(it *intent.Intent) {
		moved = false
		if it.Status == intent.StatusProcessing {
			it.Status = intent.StatusFailed
			moved = true
		}
	})
	if err != nil {
		return fmt.Errorf("orchestrator otp expiry payment=%s: %w", pid, err)
	}
	if it == nil || !moved {
		return nil
	}
	if err := o.publishUnauthorized(ctx, *it, "otp_expired", "verification code expired"); err != nil {
		return err
	}
	return o.tryFinalizeCancel(ctx, pid)
}

// tryFinalize completes the saga once both captures are done. Exactly one
// handler wins the completed_sent flag, records the durable payment row,
// publishes payment_completed and evicts the intent.
func (o *Orchestrator) tryFinalize(ctx context.Context, pid string) error {
	it, err := o.intents.Get(ctx, pid)
	if err != nil {
		return err
	}
	if it == nil || !it.AccountDone || !it.SeatsDone {
		return nil
	}

	won, it, err := o.intents.AcquireFlag(ctx, pid, intent.FlagCompletedSent)
	if err != nil {
		return err
	}
	if !won || it == nil {
		return nil
	}

	inserted, err := o.payments.RecordCompleted(ctx, paymentsdb.Payment{
		PaymentID: it.PaymentID,
		UserID:    it.UserID,
		TripID:    it.TripID,
		Seats:     it.Seats,
		Amount:    it.Amount,
		Status:    intent.StatusCompleted,
	})
	if err != nil {
		return fmt.Errorf("orchestrator record payment=%s: %w", pid, err)
	}
	if !inserted {
		o.logf("orchestrator: payment=%s already recorded", pid)
	}

	out := *it
	out.Status = intent.StatusCompleted
	if err := o.publish(ctx, event.PaymentCompleted, out); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagaCompleted()
	}
	o.broadcast(pid, intent.StatusCompleted)
	return o.intents.Delete(ctx, pid)
}

// tryFinalizeCancel closes a failed saga once both compensations are
// accounted for, either through real release/unlock events or through the
// pre-set flags of a side that never held.
func (o *Orchestrator) tryFinalizeCancel(ctx context.Context, pid string) error {
	it, err := o.intents.Get(ctx, pid)
	if err != nil {
		return err
	}
	if it == nil || !it.ReleaseDone || !it.UnlockDone {
		return nil
	}

	won, it, err := o.intents.AcquireFlag(ctx, pid, intent.FlagCanceledSent)
	if err != nil {
		return err
	}
	if !won || it == nil {
		return nil
	}

	out := *it
	out.Status = intent.StatusCanceled
	if err := o.publish(ctx, event.PaymentCanceled, out); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagaCanceled()
	}
	o.broadcast(pid, intent.StatusCanceled)
	return o.intents.Delete(ctx, pid)
}

// OnAbandoned handles intents the deadline sweep evicted without a terminal
// state. Compensations are pushed so any surviving holds get dropped.
func (o *Orchestrator) OnAbandoned(ctx context.Context, it intent.Intent) {
	if o.metrics != nil {
		o.metrics.SagaAbandoned()
		o.metrics.Anomaly()
	}
	out := it
	out.Status = intent.StatusFailed
	if err := o.publishUnauthorized(ctx, out, "abandoned", "saga passed its deadline"); err != nil {
		o.logf("orchestrator: abandoned payment=%s: %v", it.PaymentID, err)
	}
	o.broadcast(it.PaymentID, intent.StatusCanceled)
}

func (o *Orchestrator) publishUnauthorized(ctx context.Context, it intent.Intent, code, message string) error {
	pay := payloadFor(it)
	pay.ReasonCode = code
	pay.ReasonMessage = message
	return o.publishPayload(ctx, event.PaymentUnauthorized, it.PaymentID, pay)
}

func (o *Orchestrator) publish(ctx context.Context, kind event.Kind, it intent.Intent) error {
	return o.publishPayload(ctx, kind, it.PaymentID, payloadFor(it))
}

func (o *Orchestrator) publishPayload(ctx context.Context, kind event.Kind, pid string, pay event.Payload) error {
	env := event.Envelope{Kind: kind, CorrelationID: pid, Payload: pay}
	if err := o.pub.Publish(ctx, env); err != nil {
		return fmt.Errorf("orchestrator publish %s payment=%s: %w", kind, pid, err)
	}
	return nil
}

func payloadFor(it intent.Intent) event.Payload {
	return event.Payload{
		PaymentID: it.PaymentID,
		UserID:    it.UserID,
		TripID:    it.TripID,
		Seats:     it.Seats,
		Amount:    it.Amount,
		Email:     it.Email,
	}
}

func (o *Orchestrator) broadcast(paymentID, status string) {
	if o.caster != nil {
		o.caster.BroadcastPayment(paymentID, status)
	}
}
