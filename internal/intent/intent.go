// Package intent holds the orchestrator's per-payment progress record. The
// record accumulates flags from independently arriving participant events;
// every mutation goes through a compare-and-swap patch so concurrent handlers
// cannot lose updates.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Saga states. Completed and Canceled are terminal.
const (
	StatusProcessing = "PROCESSING"
	StatusAuthorized = "AUTHORIZED"
	StatusFailed     = "FAILED"
	StatusCompleted  = "COMPLETED"
	StatusCanceled   = "CANCELED"
)

// Intent is the accumulated progress of one payment saga.
type Intent struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	TripID    string `json:"trip_id"`
	Seats     int64  `json:"seats"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Email     string `json:"email,omitempty"`

	AccountHeld bool `json:"account_held"`
	SeatsLocked bool `json:"seats_locked"`

	ProcessingSent bool `json:"processing_sent"`

	AccountDone bool `json:"account_done"`
	SeatsDone   bool `json:"seats_done"`

	ReleaseDone bool `json:"release_done"`
	UnlockDone  bool `json:"unlock_done"`

	CompletedSent bool `json:"completed_sent"`
	CanceledSent  bool `json:"canceled_sent"`

	ExpiresAt int64 `json:"expires_at"`
}

// Terminal reports whether the intent reached a final state.
func (i Intent) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusCanceled
}

// Flag names a once-only boolean on the intent, used to guard exactly-once
// event emission under redelivery.
type Flag string

const (
	FlagProcessingSent Flag = "processing_sent"
	FlagCompletedSent  Flag = "completed_sent"
	FlagCanceledSent   Flag = "canceled_sent"
)

func (i *Intent) flag(f Flag) *bool {
	switch f {
	case FlagProcessingSent:
		return &i.ProcessingSent
	case FlagCompletedSent:
		return &i.CompletedSent
	case FlagCanceledSent:
		return &i.CanceledSent
	}
	return nil
}

// AbandonedFunc is invoked for each intent that passed its deadline without
// reaching a terminal state.
type AbandonedFunc func(ctx context.Context, it Intent)

// Store keeps intents in Redis under payment:{payment_id} with a TTL, plus a
// deadline index used to flag wedged sagas.
type Store struct {
	client      redis.UniversalClient
	logf        func(format string, args ...any)
	onAbandoned AbandonedFunc
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogf sets the logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Store) { s.logf = logf }
}

// WithAbandonedFunc sets the callback fired for wedged intents.
func WithAbandonedFunc(fn AbandonedFunc) Option {
	return func(s *Store) { s.onAbandoned = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs an intent store.
func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		logf:   log.Printf,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(paymentID string) string { return "payment:" + paymentID }

const deadlinesKey = "payment-deadlines"

const patchRetries = 64

// fallbackTTL keeps a patched intent alive when its key somehow lost its TTL.
const fallbackTTL = 5 * time.Minute

// Create stores a fresh PROCESSING intent with the given TTL and registers it
// in the deadline index. Creating an intent that already exists is a no-op.
func (s *Store) Create(ctx context.Context, it Intent, ttl time.Duration) error {
	it.Status = StatusProcessing
	it.ExpiresAt = s.now().Add(ttl).Unix()
	body, err := json.Marshal(it)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.key(it.PaymentID), body, ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.client.ZAdd(ctx, deadlinesKey, redis.Z{
		Score:  float64(it.ExpiresAt),
		Member: it.PaymentID,
	}).Err()
}

// Get returns the intent, or nil when it does not exist or was evicted.
func (s *Store) Get(ctx context.Context, paymentID string) (*Intent, error) {
	raw, err := s.client.Get(ctx, s.key(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var it Intent
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", paymentID, err)
	}
	return &it, nil
}

// Patch applies the mutation under optimistic concurrency control: read,
// mutate, conditionally write, retrying on conflict. Returns the patched
// intent, or nil when the intent no longer exists (stale redelivery).
func (s *Store) Patch(ctx context.Context, paymentID string, apply func(*Intent)) (*Intent, error) {
	var patched *Intent
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key(paymentID)).Result()
		if errors.Is(err, redis.Nil) {
			patched = nil
			return nil
		}
		if err != nil {
			return err
		}

		var it Intent
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return fmt.Errorf("decode intent %s: %w", paymentID, err)
		}
		apply(&it)

		body, err := json.Marshal(it)
		if err != nil {
			return err
		}
		ttl, err := tx.TTL(ctx, s.key(paymentID)).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = fallbackTTL
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(paymentID), body, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		patched = &it
		return nil
	}

	for i := 0; i < patchRetries; i++ {
		err := s.client.Watch(ctx, txn, s.key(paymentID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return patched, nil
	}
	return nil, fmt.Errorf("patch intent %s: too many conflicts", paymentID)
}

// AcquireFlag flips the named once-only flag and reports whether this caller
// won the race. Exactly one caller observes won=true for a given flag over the
// intent's lifetime, regardless of event redelivery or interleaving.
func (s *Store) AcquireFlag(ctx context.Context, paymentID string, f Flag) (bool, *Intent, error) {
	won := false
	it, err := s.Patch(ctx, paymentID, func(it *Intent) {
		ptr := it.flag(f)
		if ptr == nil || *ptr {
			return
		}
		*ptr = true
		won = true
	})
	if err != nil || it == nil {
		return false, it, err
	}
	return won, it, nil
}

// Delete evicts the intent and its deadline entry.
func (s *Store) Delete(ctx context.Context, paymentID string) error {
	if err := s.client.Del(ctx, s.key(paymentID)).Err(); err != nil {
		return err
	}
	return s.client.ZRem(ctx, deadlinesKey, paymentID).Err()
}

// SweepAbandoned flags intents whose deadline passed without a terminal state:
// each is logged as an anomaly, reported through the abandoned callback and
// evicted. Deadline entries whose intent already finished are cleaned up
// silently. Returns the number of abandoned intents found.
func (s *Store) SweepAbandoned(ctx context.Context) (int, error) {
	now := s.now().Unix()
	members, err := s.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, paymentID := range members {
		it, err := s.Get(ctx, paymentID)
		if err != nil {
			return abandoned, err
		}
		if it != nil && !it.Terminal() {
			abandoned++
			s.logf("intent: anomaly: abandoned saga payment_id=%s status=%s account_held=%t seats_locked=%t", paymentID, it.Status, it.AccountHeld, it.SeatsLocked)
			if s.onAbandoned != nil {
				s.onAbandoned(ctx, *it)
			}
		}
		if err := s.Delete(ctx, paymentID); err != nil {
			return abandoned, err
		}
	}
	return abandoned, nil
}
