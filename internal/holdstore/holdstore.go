// Package holdstore implements the TTL'd reservation ledger shared by the
// saga participants: funds holds against an account and seat locks against a
// trip. A hold's presence is the sole evidence of reserved-but-uncommitted
// consumption; a per-resource running total makes the capacity check O(1).
package holdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status of a hold record. Only HELD is ever persisted; RELEASED and CAPTURED
// describe what happened to a removed hold.
const (
	StatusHeld     = "HELD"
	StatusReleased = "RELEASED"
	StatusCaptured = "CAPTURED"
)

// ErrInsufficientCapacity is the business rejection for a hold that would
// exceed the resource's capacity. It is an expected outcome, not a fault.
var ErrInsufficientCapacity = errors.New("insufficient capacity for hold")

// Record is one reservation against a resource.
type Record struct {
	PaymentID  string    `json:"payment_id"`
	ResourceID string    `json:"resource_id"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExpiredFunc is invoked by Sweep for each hold that lapsed without an
// explicit release or capture, after the running total has been reconciled.
type ExpiredFunc func(ctx context.Context, resourceID, paymentID string, amount int64)

// Store is a namespaced hold ledger in Redis.
//
// Keys:
//
//	{ns}:hold:{payment_id}          JSON record, TTL = hold lifetime
//	{ns}:hold-total:{resource_id}   running held total, TTL refreshed on write
//	{ns}:hold-index:{resource_id}   payment_id -> amount, drives the sweep
//	{ns}:hold-resources             set of resource ids with live index entries
type Store struct {
	client    redis.UniversalClient
	ns        string
	logf      func(format string, args ...any)
	onExpired ExpiredFunc
	onAnomaly func()
	now       func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogf sets the logger used for anomalies and sweep results.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Store) { s.logf = logf }
}

// WithExpiredFunc sets the callback invoked for each reconciled expired hold.
func WithExpiredFunc(fn ExpiredFunc) Option {
	return func(s *Store) { s.onExpired = fn }
}

// WithAnomalyHook sets a counter hook fired when an invariant violation is
// clamped (negative running total).
func WithAnomalyHook(fn func()) Option {
	return func(s *Store) { s.onAnomaly = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a hold store under the given namespace.
func NewStore(client redis.UniversalClient, namespace string, opts ...Option) *Store {
	s := &Store{
		client: client,
		ns:     namespace,
		logf:   log.Printf,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) holdKey(paymentID string) string { return s.ns + ":hold:" + paymentID }

func (s *Store) totalKey(resourceID string) string { return s.ns + ":hold-total:" + resourceID }

func (s *Store) indexKey(resourceID string) string { return s.ns + ":hold-index:" + resourceID }

func (s *Store) resourcesKey() string { return s.ns + ":hold-resources" }

const createRetries = 64

// CreateHold atomically checks amount against capacity minus the running held
// total and, if it fits, persists the hold and bumps the total in one
// transaction. A second call for the same payment id is a no-op returning the
// original record. Returns ErrInsufficientCapacity when the hold does not fit.
func (s *Store) CreateHold(ctx context.Context, resourceID, paymentID string, amount, capacity int64, ttl time.Duration) (Record, error) {
	if amount <= 0 {
		return Record{}, fmt.Errorf("hold amount must be positive, got %d", amount)
	}

	var rec Record
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.holdKey(paymentID)).Result()
		switch {
		case err == nil:
			// Redelivered create: hand back the existing hold untouched.
			return json.Unmarshal([]byte(raw), &rec)
		case !errors.Is(err, redis.Nil):
			return err
		}

		total, err := s.readTotal(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if amount > capacity-total {
			return ErrInsufficientCapacity
		}

		totalTTL, err := tx.TTL(ctx, s.totalKey(resourceID)).Result()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		rec = Record{
			PaymentID:  paymentID,
			ResourceID: resourceID,
			Amount:     amount,
			Status:     StatusHeld,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.holdKey(paymentID), body, ttl)
			pipe.IncrBy(ctx, s.totalKey(resourceID), amount)
			if totalTTL < ttl {
				pipe.Expire(ctx, s.totalKey(resourceID), ttl)
			}
			pipe.HSet(ctx, s.indexKey(resourceID), paymentID, amount)
			pipe.Expire(ctx, s.indexKey(resourceID), 2*ttl)
			pipe.SAdd(ctx, s.resourcesKey(), resourceID)
			return nil
		})
		return err
	}

	for i := 0; i < createRetries; i++ {
		err := s.client.Watch(ctx, txn, s.holdKey(paymentID), s.totalKey(resourceID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("create hold %s: too many conflicts", paymentID)
}

// GetHold returns the hold for the payment id, or nil if none exists.
func (s *Store) GetHold(ctx context.Context, paymentID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.holdKey(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode hold %s: %w", paymentID, err)
	}
	return &rec, nil
}

// RemoveHold atomically fetches and deletes the hold, dropping its sweep index
// entry. Returns nil when the hold was already removed, making it safe under
// event redelivery. The running total is left to DecreaseTotal.
func (s *Store) RemoveHold(ctx context.Context, paymentID string) (*Record, error) {
	var getCmd *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, s.holdKey(paymentID))
		pipe.Del(ctx, s.holdKey(paymentID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	raw, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode hold %s: %w", paymentID, err)
	}
	if err := s.client.HDel(ctx, s.indexKey(rec.ResourceID), paymentID).Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DecreaseTotal debits the running total after a hold is released or
// captured. A negative result indicates double accounting somewhere; it is
// clamped to zero and logged as an anomaly rather than surfaced to callers.
func (s *Store) DecreaseTotal(ctx context.Context, resourceID string, amount int64) error {
	val, err := s.client.DecrBy(ctx, s.totalKey(resourceID), amount).Result()
	if err != nil {
		return err
	}
	if val < 0 {
		s.logf("holdstore[%s]: anomaly: held total for %s went negative (%d), clamping to 0", s.ns, resourceID, val)
		if s.onAnomaly != nil {
			s.onAnomaly()
		}
		return s.client.Set(ctx, s.totalKey(resourceID), 0, redis.KeepTTL).Err()
	}
	return nil
}

// TotalHeld returns the running held total for the resource.
func (s *Store) TotalHeld(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, s.totalKey(resourceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Sweep reconciles holds whose keys expired without an explicit release or
// capture: the running total is debited, the index entry dropped and the
// expiry callback fired so the owning participant can emit the same events an
// explicit release would have. Returns the number of holds reconciled.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	resources, err := s.client.SMembers(ctx, s.resourcesKey()).Result()
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, resourceID := range resources {
		entries, err := s.client.HGetAll(ctx, s.indexKey(resourceID)).Result()
		if err != nil {
			return reconciled, err
		}

		live := len(entries)
		for paymentID, rawAmount := range entries {
			exists, err := s.client.Exists(ctx, s.holdKey(paymentID)).Result()
			if err != nil {
				return reconciled, err
			}
			if exists > 0 {
				continue
			}

			var amount int64
			if _, err := fmt.Sscanf(rawAmount, "%d", &amount); err != nil {
				s.logf("holdstore[%s]: anomaly: unparseable index amount %q for %s", s.ns, rawAmount, paymentID)
				amount = 0
			}

			if err := s.client.HDel(ctx, s.indexKey(resourceID), paymentID).Err(); err != nil {
				return reconciled, err
			}
			if amount > 0 {
				if err := s.DecreaseTotal(ctx, resourceID, amount); err != nil {
					return reconciled, err
				}
			}
			live--
			reconciled++
			s.logf("holdstore[%s]: expired hold reconciled payment_id=%s resource_id=%s amount=%d", s.ns, paymentID, resourceID, amount)
			if s.onExpired != nil {
				s.onExpired(ctx, resourceID, paymentID, amount)
			}
		}

		if live == 0 {
			if err := s.client.SRem(ctx, s.resourcesKey(), resourceID).Err(); err != nil {
				return reconciled, err
			}
		}
	}
	return reconciled, nil
}

func (s *Store) readTotal(ctx context.Context, tx *redis.Tx, resourceID string) (int64, error) {
	val, err := tx.Get(ctx, s.totalKey(resourceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
