// Package otp issues and verifies one-time codes for payment authorization.
// A code is generated when the saga reaches PROCESSING and must be verified
// before its TTL runs out, otherwise the sweep fails the payment.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"faregate/internal/bus"
	"faregate/internal/event"
)

// DefaultTTL is how long a code stays verifiable.
const DefaultTTL = 5 * time.Minute

// Queue is the durable queue this service consumes from.
const Queue = "otp-service"

var (
	ErrCodeMismatch = errors.New("verification code does not match")
	ErrCodeExpired  = errors.New("verification code expired or never issued")
)

// Sender delivers the code to the rider out of band.
type Sender interface {
	SendCode(ctx context.Context, email, paymentID, code string) error
}

// Service generates codes on payment_processing and verifies them on demand.
type Service struct {
	client  redis.UniversalClient
	pub     bus.Publisher
	sender  Sender
	ttl     time.Duration
	newCode func() (string, error)
	now     func() time.Time
	logf    func(format string, args ...any)
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithSender sets the out-of-band code delivery channel.
func WithSender(sender Sender) Option {
	return func(s *Service) { s.sender = sender }
}

// WithCodeFunc overrides code generation (tests).
func WithCodeFunc(fn func() (string, error)) Option {
	return func(s *Service) { s.newCode = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogf overrides the logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Service) { s.logf = logf }
}

// NewService wires the OTP participant.
func NewService(client redis.UniversalClient, pub bus.Publisher, opts ...Option) *Service {
	s := &Service{
		client:  client,
		pub:     pub,
		ttl:     DefaultTTL,
		newCode: sixDigitCode,
		now:     time.Now,
		logf:    log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) key(paymentID string) string { return "otp:" + paymentID }

const deadlinesKey = "otp-deadlines"

// Register binds the service queue to payment_processing.
func (s *Service) Register(ctx context.Context, sub bus.Subscriber) error {
	return sub.Subscribe(ctx, Queue, []event.Kind{event.PaymentProcessing}, s.Handle)
}

// Handle issues a code for a payment entering PROCESSING. Redelivery keeps
// the first code: SetNX loses against the existing key and nothing new is
// sent.
func (s *Service) Handle(ctx context.Context, env event.Envelope) error {
	if env.Kind != event.PaymentProcessing {
		return nil
	}
	pay := env.Payload

	code, err := s.newCode()
	if err != nil {
		return fmt.Errorf("otp generate %s: %w", pay.PaymentID, err)
	}

	created, err := s.client.SetNX(ctx, s.key(pay.PaymentID), code, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("otp store %s: %w", pay.PaymentID, err)
	}
	if !created {
		return nil
	}

	deadline := s.now().Add(s.ttl).Unix()
	if err := s.client.ZAdd(ctx, deadlinesKey, redis.Z{Score: float64(deadline), Member: pay.PaymentID}).Err(); err != nil {
		return fmt.Errorf("otp deadline %s: %w", pay.PaymentID, err)
	}

	if s.sender != nil && pay.Email != "" {
		if err := s.sender.SendCode(ctx, pay.Email, pay.PaymentID, code); err != nil {
			s.logf("otp: send code for payment=%s: %v", pay.PaymentID, err)
		}
	}

	out := event.Envelope{
		Kind:          event.OTPGenerated,
		CorrelationID: env.CorrelationID,
		Payload:       event.Payload{PaymentID: pay.PaymentID, UserID: pay.UserID},
	}
	if err := s.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("otp publish generated %s: %w", pay.PaymentID, err)
	}
	return nil
}

// Verify checks the submitted code and, on match, consumes it and signals the
// orchestrator. The delete-before-publish order makes a concurrent second
// verify fail with ErrCodeExpired instead of double-signaling.
func (s *Service) Verify(ctx context.Context, paymentID, code string) error {
	stored, err := s.client.Get(ctx, s.key(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeExpired
	}
	if err != nil {
		return fmt.Errorf("otp verify %s: %w", paymentID, err)
	}
	if stored != code {
		return ErrCodeMismatch
	}

	deleted, err := s.client.Del(ctx, s.key(paymentID)).Result()
	if err != nil {
		return fmt.Errorf("otp verify %s: %w", paymentID, err)
	}
	if deleted == 0 {
		return ErrCodeExpired
	}
	if err := s.client.ZRem(ctx, deadlinesKey, paymentID).Err(); err != nil {
		return fmt.Errorf("otp verify %s: %w", paymentID, err)
	}

	out := event.Envelope{
		Kind:          event.OTPSucceeded,
		CorrelationID: paymentID,
		Payload:       event.Payload{PaymentID: paymentID},
	}
	if err := s.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("otp publish succeed %s: %w", paymentID, err)
	}
	return nil
}

// SweepExpired fails every payment whose code passed its deadline without
// verification. Returns the number of expirations published.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().Unix()
	members, err := s.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, paymentID := range members {
		if err := s.client.Del(ctx, s.key(paymentID)).Err(); err != nil {
			return expired, err
		}
		if err := s.client.ZRem(ctx, deadlinesKey, paymentID).Err(); err != nil {
			return expired, err
		}
		out := event.Envelope{
			Kind:          event.OTPExpired,
			CorrelationID: paymentID,
			Payload:       event.Payload{PaymentID: paymentID},
		}
		if err := s.pub.Publish(ctx, out); err != nil {
			return expired, fmt.Errorf("otp publish expired %s: %w", paymentID, err)
		}
		expired++
		s.logf("otp: code for payment=%s expired unverified", paymentID)
	}
	return expired, nil
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
