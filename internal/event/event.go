package event

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the closed set of events exchanged over the bus.
type Kind string

const (
	PaymentInitiated    Kind = "payment_initiated"
	PaymentProcessing   Kind = "payment_processing"
	PaymentAuthorized   Kind = "payment_authorized"
	PaymentUnauthorized Kind = "payment_unauthorized"
	PaymentCompleted    Kind = "payment_completed"
	PaymentCanceled     Kind = "payment_canceled"

	BalanceHeld       Kind = "balance_held"
	BalanceHoldFailed Kind = "balance_hold_failed"
	BalanceUpdated    Kind = "balance_updated"
	BalanceReleased   Kind = "balance_released"

	SeatsLocked     Kind = "seats_locked"
	SeatsLockFailed Kind = "seats_lock_failed"
	SeatsConfirmed  Kind = "seats_confirmed"
	SeatsUnlocked   Kind = "seats_unlocked"

	OTPGenerated Kind = "otp_generated"
	OTPSucceeded Kind = "otp_succeed"
	OTPExpired   Kind = "otp_expired"
)

// Kinds lists every known event kind. The bus rejects kinds outside this set
// so an unknown routing key can never reach a handler.
var Kinds = []Kind{
	PaymentInitiated, PaymentProcessing, PaymentAuthorized, PaymentUnauthorized,
	PaymentCompleted, PaymentCanceled,
	BalanceHeld, BalanceHoldFailed, BalanceUpdated, BalanceReleased,
	SeatsLocked, SeatsLockFailed, SeatsConfirmed, SeatsUnlocked,
	OTPGenerated, OTPSucceeded, OTPExpired,
}

var routingKeys = map[Kind]string{
	PaymentInitiated:    "payment.v1.initiated",
	PaymentProcessing:   "payment.v1.processing",
	PaymentAuthorized:   "payment.v1.authorized",
	PaymentUnauthorized: "payment.v1.unauthorized",
	PaymentCompleted:    "payment.v1.completed",
	PaymentCanceled:     "payment.v1.canceled",
	BalanceHeld:         "account.v1.balance_held",
	BalanceHoldFailed:   "account.v1.balance_hold_failed",
	BalanceUpdated:      "account.v1.balance_updated",
	BalanceReleased:     "account.v1.balance_released",
	SeatsLocked:         "trip.v1.seats_locked",
	SeatsLockFailed:     "trip.v1.seats_lock_failed",
	SeatsConfirmed:      "trip.v1.seats_confirmed",
	SeatsUnlocked:       "trip.v1.seats_unlocked",
	OTPGenerated:        "otp.v1.generated",
	OTPSucceeded:        "otp.v1.succeed",
	OTPExpired:          "otp.v1.expired",
}

var kindsByRoutingKey = func() map[string]Kind {
	m := make(map[string]Kind, len(routingKeys))
	for kind, key := range routingKeys {
		m[key] = kind
	}
	return m
}()

// RoutingKey returns the AMQP routing key for the kind.
func (k Kind) RoutingKey() string {
	key, ok := routingKeys[k]
	if !ok {
		return "unknown." + string(k)
	}
	return key
}

// Valid reports whether the kind belongs to the closed event set.
func (k Kind) Valid() bool {
	_, ok := routingKeys[k]
	return ok
}

// KindForRoutingKey resolves a routing key back to its kind.
func KindForRoutingKey(key string) (Kind, bool) {
	kind, ok := kindsByRoutingKey[key]
	return kind, ok
}

// Payload carries the fields the saga participants exchange. Zero values are
// omitted on the wire; consumers must not assume every field is set.
type Payload struct {
	PaymentID     string `json:"payment_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	TripID        string `json:"trip_id,omitempty"`
	Seats         int64  `json:"seats,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`
	ReasonMessage string `json:"reason_message,omitempty"`
	Email         string `json:"email,omitempty"`
}

// Envelope is the unit published to and delivered from the bus.
type Envelope struct {
	Kind          Kind    `json:"event_type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Payload       Payload `json:"payload"`
}

// Encode serializes the envelope body for the wire.
func (e Envelope) Encode() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("encode event: unknown kind %q", e.Kind)
	}
	return json.Marshal(e)
}

// Decode parses a wire body into an envelope, validating the kind.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("decode event: unknown kind %q", env.Kind)
	}
	return env, nil
}
