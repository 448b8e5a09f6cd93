// Package notify turns terminal payment events into rider-facing messages.
// Delivery is best effort: a failed send is logged, never retried through the
// bus, and never blocks the saga.
package notify

import (
	"context"
	"fmt"
	"log"

	"faregate/internal/bus"
	"faregate/internal/event"
)

// Queue is the durable queue the notifier consumes from.
const Queue = "notification-service"

// Sender delivers one message to a rider.
type Sender interface {
	Send(ctx context.Context, email, subject, body string) error
}

// LogSender writes messages to the log instead of sending them. Used in
// development and as the fallback when no real sender is configured.
type LogSender struct {
	Logf func(format string, args ...any)
}

func (l LogSender) Send(_ context.Context, email, subject, body string) error {
	logf := l.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("notify: to=%s subject=%q body=%q", email, subject, body)
	return nil
}

// Notifier consumes terminal payment events and messages the rider.
type Notifier struct {
	sender Sender
	logf   func(format string, args ...any)
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogf overrides the logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(n *Notifier) { n.logf = logf }
}

// NewNotifier builds a notifier around the sender. A nil sender falls back to
// LogSender.
func NewNotifier(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender: sender,
		logf:   log.Printf,
	}
	if n.sender == nil {
		n.sender = LogSender{}
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Register binds the notifier queue to the terminal payment events.
func (n *Notifier) Register(ctx context.Context, sub bus.Subscriber) error {
	kinds := []event.Kind{event.PaymentCompleted, event.PaymentCanceled}
	return sub.Subscribe(ctx, Queue, kinds, n.Handle)
}

// Handle sends one message per terminal event. Send failures return nil so
// the bus acks the delivery; a notification is not worth a dead-letter.
func (n *Notifier) Handle(ctx context.Context, env event.Envelope) error {
	pay := env.Payload
	if pay.Email == "" {
		return nil
	}

	var subject, body string
	switch env.Kind {
	case event.PaymentCompleted:
		subject = "Your trip is booked"
		body = fmt.Sprintf("Payment %s for %d seat(s) went through. Amount charged: %d.", pay.PaymentID, pay.Seats, pay.Amount)
	case event.PaymentCanceled:
		subject = "Your booking did not go through"
		body = fmt.Sprintf("Payment %s was canceled. Nothing was charged.", pay.PaymentID)
		if pay.ReasonMessage != "" {
			body += " Reason: " + pay.ReasonMessage + "."
		}
	default:
		return nil
	}

	if err := n.sender.Send(ctx, pay.Email, subject, body); err != nil {
		n.logf("notify: send to=%s payment=%s: %v", pay.Email, pay.PaymentID, err)
	}
	return nil
}
