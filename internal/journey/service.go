// Package journey runs the gate-side ticket lifecycle: purchase, check-in,
// check-out and penalty settlement. It reuses the account ledger's
// hold-aware deduction so a gate purchase can never spend balance that a
// running payment saga has reserved.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	accountsdb "faregate/internal/db/accounts"
	journeysdb "faregate/internal/db/journeys"
	"faregate/internal/holdstore"
)

// Gate business errors, surfaced as structured codes at the HTTP boundary.
var (
	ErrWrongStation       = errors.New("wrong_station")
	ErrWrongDestination   = errors.New("wrong_destination")
	ErrTicketExpired      = errors.New("ticket_expired")
	ErrTicketNotUsable    = errors.New("ticket_not_usable")
	ErrNotInTransit       = errors.New("not_in_transit")
	ErrPenaltyOutstanding = errors.New("penalty_outstanding")
	ErrNoPenaltyDue       = errors.New("no_penalty_due")
)

// Defaults for the gate timing rules. Fare-table arithmetic beyond these flat
// rules lives outside this service.
const (
	DefaultValidFor      = 24 * time.Hour
	DefaultGracePeriod   = 10 * time.Minute
	DefaultMaxTransit    = 4 * time.Hour
	DefaultPenaltyAmount = 2500
)

// Config tunes the gate rules.
type Config struct {
	// ValidFor is how long an unused PAID ticket stays usable.
	ValidFor time.Duration
	// GracePeriod is the window for a same-station exit refund.
	GracePeriod time.Duration
	// MaxTransit is the longest a rider may stay in transit before the
	// overstay penalty applies.
	MaxTransit time.Duration
	// PenaltyAmount is the flat overstay/missed-checkout penalty.
	PenaltyAmount int64
}

func (c *Config) fillDefaults() {
	if c.ValidFor <= 0 {
		c.ValidFor = DefaultValidFor
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxTransit <= 0 {
		c.MaxTransit = DefaultMaxTransit
	}
	if c.PenaltyAmount <= 0 {
		c.PenaltyAmount = DefaultPenaltyAmount
	}
}

// Service is the gate participant.
type Service struct {
	journeys *journeysdb.Store
	accounts *accountsdb.Store
	holds    *holdstore.Store
	cfg      Config
	newID    func() string
	now      func() time.Time
	logf     func(format string, args ...any)
}

// Option configures a Service.
type Option func(*Service)

// WithIDFunc overrides ticket id generation (tests).
func WithIDFunc(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogf overrides the logger.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Service) { s.logf = logf }
}

// NewService wires the gate participant. holds supplies the user's pending
// saga reservations so direct deductions respect them.
func NewService(journeys *journeysdb.Store, accounts *accountsdb.Store, holds *holdstore.Store, cfg Config, opts ...Option) *Service {
	cfg.fillDefaults()
	s := &Service{
		journeys: journeys,
		accounts: accounts,
		holds:    holds,
		cfg:      cfg,
		newID:    uuid.NewString,
		now:      time.Now,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Purchase charges the fare synchronously and issues a PAID ticket bound to
// an origin and destination station pair. The deduction is a single
// conditional update that counts the user's outstanding saga holds as
// unavailable.
func (s *Service) Purchase(ctx context.Context, userID, originStation, destinationStation string, fare int64) (journeysdb.Journey, error) {
	if userID == "" || originStation == "" || destinationStation == "" || fare <= 0 {
		return journeysdb.Journey{}, fmt.Errorf("%w: bad purchase arguments", ErrTicketNotUsable)
	}

	reserved, err := s.holds.TotalHeld(ctx, userID)
	if err != nil {
		return journeysdb.Journey{}, fmt.Errorf("purchase ticket: %w", err)
	}
	if err := s.accounts.Deduct(ctx, userID, fare, reserved); err != nil {
		return journeysdb.Journey{}, fmt.Errorf("purchase ticket: %w", err)
	}

	j := journeysdb.Journey{
		JourneyID:      s.newID(),
		UserID:         userID,
		Code:           s.newID(),
		Status:         journeysdb.StatusPaid,
		CheckInStation: originStation,
		Destination:    destinationStation,
		FareAmount:     fare,
		RemainingUses:  1,
	}
	if err := s.journeys.Insert(ctx, j); err != nil {
		return journeysdb.Journey{}, fmt.Errorf("purchase ticket: %w", err)
	}
	return j, nil
}

// CheckIn opens the gate for a PAID ticket at its origin station. A ticket
// past its validity window flips to EXPIRED instead. Riders with an
// outstanding penalty are refused regardless of the ticket.
func (s *Service) CheckIn(ctx context.Context, code, station string) error {
	j, err := s.journeys.GetByCode(ctx, code)
	if err != nil {
		return err
	}

	due, err := s.journeys.HasPenaltyDue(ctx, j.UserID)
	if err != nil {
		return fmt.Errorf("check in %s: %w", code, err)
	}
	if due {
		return ErrPenaltyOutstanding
	}

	if j.Status != journeysdb.StatusPaid {
		return ErrTicketNotUsable
	}
	if s.now().After(j.CreatedAt.Add(s.cfg.ValidFor)) {
		if _, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusPaid, journeysdb.StatusExpired); err != nil {
			return fmt.Errorf("check in %s: %w", code, err)
		}
		return ErrTicketExpired
	}
	if station != j.CheckInStation {
		return ErrWrongStation
	}

	applied, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusPaid, journeysdb.StatusInTransit)
	if err != nil {
		return fmt.Errorf("check in %s: %w", code, err)
	}
	if !applied {
		// Another gate event won the transition.
		return ErrTicketNotUsable
	}
	return nil
}

// CheckOut closes the journey at the exit gate. A same-station exit within
// the grace period refunds the fare. Exiting at a gate other than the ticket's
// destination parks the journey in PENALTY_DUE; an overstay or a ticket that
// never checked in settles the flat penalty on the spot when the balance
// allows it.
func (s *Service) CheckOut(ctx context.Context, code, station string) error {
	j, err := s.journeys.GetByCode(ctx, code)
	if err != nil {
		return err
	}

	if j.Status == journeysdb.StatusPaid {
		// No check-in on record. Close the ticket with the penalty so the
		// code cannot be replayed to open an entry gate later.
		return s.settlePenalty(ctx, j, station, journeysdb.StatusPaid)
	}
	if j.Status != journeysdb.StatusInTransit || !j.CheckInAt.Valid {
		return ErrNotInTransit
	}

	elapsed := s.now().Sub(j.CheckInAt.Time)

	if station == j.CheckInStation && elapsed <= s.cfg.GracePeriod {
		applied, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusInTransit, journeysdb.StatusRefunded)
		if err != nil {
			return fmt.Errorf("check out %s: %w", code, err)
		}
		if !applied {
			return ErrNotInTransit
		}
		if err := s.journeys.SetCheckOut(ctx, j.JourneyID, station, 0); err != nil {
			return fmt.Errorf("check out %s: %w", code, err)
		}
		if err := s.accounts.TopUp(ctx, j.UserID, j.FareAmount); err != nil {
			return fmt.Errorf("check out %s: refund: %w", code, err)
		}
		return nil
	}

	if station != j.Destination {
		applied, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusInTransit, journeysdb.StatusPenaltyDue)
		if err != nil {
			return fmt.Errorf("check out %s: %w", code, err)
		}
		if !applied {
			return ErrNotInTransit
		}
		if err := s.journeys.SetCheckOut(ctx, j.JourneyID, station, s.cfg.PenaltyAmount); err != nil {
			return fmt.Errorf("check out %s: %w", code, err)
		}
		s.logf("journey: wrong destination user=%s journey=%s exit=%s paid=%s", j.UserID, j.JourneyID, station, j.Destination)
		return ErrWrongDestination
	}

	if elapsed <= s.cfg.MaxTransit {
		applied, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusInTransit, journeysdb.StatusCompleted)
		if err != nil {
			return fmt.Errorf("check out %s: %w", code, err)
		}
		if !applied {
			return ErrNotInTransit
		}
		return s.journeys.SetCheckOut(ctx, j.JourneyID, station, 0)
	}

	return s.settlePenalty(ctx, j, station, journeysdb.StatusInTransit)
}

// settlePenalty tries to charge the flat penalty on the spot. When the
// balance cannot cover it, the journey parks in PENALTY_DUE and gates the
// rider until PayPenalty succeeds. from is the status the journey must still
// hold for the settlement to apply.
func (s *Service) settlePenalty(ctx context.Context, j journeysdb.Journey, station, from string) error {
	penalty := s.cfg.PenaltyAmount

	reserved, err := s.holds.TotalHeld(ctx, j.UserID)
	if err != nil {
		return fmt.Errorf("penalty %s: %w", j.Code, err)
	}
	deductErr := s.accounts.Deduct(ctx, j.UserID, penalty, reserved)

	target := journeysdb.StatusClosed
	if errors.Is(deductErr, accountsdb.ErrInsufficientFunds) {
		target = journeysdb.StatusPenaltyDue
	} else if deductErr != nil {
		return fmt.Errorf("penalty %s: %w", j.Code, deductErr)
	}

	applied, err := s.journeys.Transition(ctx, j.JourneyID, from, target)
	if err != nil {
		return fmt.Errorf("penalty %s: %w", j.Code, err)
	}
	if !applied {
		if deductErr == nil {
			// The charge landed but another gate event already closed the
			// journey. Give the money back rather than double-charge.
			if err := s.accounts.TopUp(ctx, j.UserID, penalty); err != nil {
				s.logf("journey: anomaly: could not refund duplicate penalty user=%s: %v", j.UserID, err)
			}
		}
		if from == journeysdb.StatusPaid {
			return ErrTicketNotUsable
		}
		return ErrNotInTransit
	}
	if err := s.journeys.SetCheckOut(ctx, j.JourneyID, station, penalty); err != nil {
		return fmt.Errorf("penalty %s: %w", j.Code, err)
	}
	if target == journeysdb.StatusPenaltyDue {
		s.logf("journey: penalty due user=%s journey=%s amount=%d", j.UserID, j.JourneyID, penalty)
		return ErrPenaltyOutstanding
	}
	return nil
}

// PayPenalty settles an outstanding penalty and unblocks the rider.
func (s *Service) PayPenalty(ctx context.Context, code string) error {
	j, err := s.journeys.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if j.Status != journeysdb.StatusPenaltyDue {
		return ErrNoPenaltyDue
	}

	reserved, err := s.holds.TotalHeld(ctx, j.UserID)
	if err != nil {
		return fmt.Errorf("pay penalty %s: %w", code, err)
	}
	if err := s.accounts.Deduct(ctx, j.UserID, j.PenaltyAmount, reserved); err != nil {
		return fmt.Errorf("pay penalty %s: %w", code, err)
	}

	applied, err := s.journeys.Transition(ctx, j.JourneyID, journeysdb.StatusPenaltyDue, journeysdb.StatusClosed)
	if err != nil {
		return fmt.Errorf("pay penalty %s: %w", code, err)
	}
	if !applied {
		if err := s.accounts.TopUp(ctx, j.UserID, j.PenaltyAmount); err != nil {
			s.logf("journey: anomaly: could not refund duplicate penalty payment user=%s: %v", j.UserID, err)
		}
		return ErrNoPenaltyDue
	}
	return nil
}

// History lists the user's journeys.
func (s *Service) History(ctx context.Context, userID string) ([]journeysdb.Journey, error) {
	return s.journeys.History(ctx, userID)
}

// CloseStale converts journeys stuck IN_TRANSIT past the transit limit into
// penalties. Meant to run periodically next to the other sweeps.
func (s *Service) CloseStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxTransit)
	stale, err := s.journeys.ListStaleInTransit(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, j := range stale {
		err := s.settlePenalty(ctx, j, j.CheckInStation, journeysdb.StatusInTransit)
		if err != nil && !errors.Is(err, ErrPenaltyOutstanding) && !errors.Is(err, ErrNotInTransit) {
			return closed, err
		}
		closed++
		s.logf("journey: closed stale journey=%s user=%s", j.JourneyID, j.UserID)
	}
	return closed, nil
}
