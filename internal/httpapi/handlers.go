package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	accountsdb "faregate/internal/db/accounts"
	journeysdb "faregate/internal/db/journeys"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/journey"
	"faregate/internal/otp"
	"faregate/internal/payment"
)

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{OK: false, Error: code})
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	receipt, err := s.payments.Initiate(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if errors.Is(err, payment.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err != nil {
		s.logf("httpapi: initiate payment: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.payments.Status(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, payment.ErrPaymentNotFound) {
		writeError(w, http.StatusNotFound, "payment_not_found")
		return
	}
	if err != nil {
		s.logf("httpapi: payment status: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID string `json:"payment_id"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	err := s.otp.Verify(r.Context(), req.PaymentID, req.Code)
	switch {
	case errors.Is(err, otp.ErrCodeMismatch):
		writeError(w, http.StatusUnprocessableEntity, "code_mismatch")
	case errors.Is(err, otp.ErrCodeExpired):
		writeError(w, http.StatusGone, "code_expired")
	case err != nil:
		s.logf("httpapi: verify otp: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleSearchTrips(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "missing_stations")
		return
	}

	trips, err := s.trips.Search(r.Context(), from, to)
	if err != nil {
		s.logf("httpapi: search trips: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, tripsdb.ErrTripNotFound) {
		writeError(w, http.StatusNotFound, "trip_not_found")
		return
	}
	if err != nil {
		s.logf("httpapi: get trip: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// accountView adds the live hold figures to the stored account row.
type accountView struct {
	accountsdb.Account
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	acct, err := s.accounts.Get(r.Context(), userID)
	if errors.Is(err, accountsdb.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logf("httpapi: get account: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	held, err := s.holds.TotalHeld(r.Context(), userID)
	if err != nil {
		s.logf("httpapi: account holds: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, accountView{Account: acct, Held: held, Available: acct.Balance - held})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "bad_amount")
		return
	}

	err := s.accounts.TopUp(r.Context(), mux.Vars(r)["id"], req.Amount)
	if errors.Is(err, accountsdb.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if err != nil {
		s.logf("httpapi: top up: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePurchaseTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID             string `json:"user_id"`
		OriginStation      string `json:"origin_station"`
		DestinationStation string `json:"destination_station"`
		Fare               int64  `json:"fare"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	j, err := s.journeys.Purchase(r.Context(), req.UserID, req.OriginStation, req.DestinationStation, req.Fare)
	switch {
	case errors.Is(err, accountsdb.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient_funds")
	case errors.Is(err, accountsdb.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found")
	case errors.Is(err, journey.ErrTicketNotUsable):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case err != nil:
		s.logf("httpapi: purchase ticket: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
	default:
		writeJSON(w, http.StatusCreated, j)
	}
}

func (s *Server) handleJourneyHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	journeys, err := s.journeys.History(r.Context(), userID)
	if err != nil {
		s.logf("httpapi: journey history: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, journeys)
}

func (s *Server) handlePayPenalty(w http.ResponseWriter, r *http.Request) {
	err := s.journeys.PayPenalty(r.Context(), mux.Vars(r)["code"])
	s.writeGateResult(w, err)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	code, station, ok := decodeGateRequest(w, r)
	if !ok {
		return
	}
	s.writeGateResult(w, s.journeys.CheckIn(r.Context(), code, station))
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	code, station, ok := decodeGateRequest(w, r)
	if !ok {
		return
	}
	s.writeGateResult(w, s.journeys.CheckOut(r.Context(), code, station))
}

func decodeGateRequest(w http.ResponseWriter, r *http.Request) (code, station string, ok bool) {
	var req struct {
		Code    string `json:"code"`
		Station string `json:"station"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.Station == "" {
		writeError(w, http.StatusBadRequest, "bad_json")
		return "", "", false
	}
	return req.Code, req.Station, true
}

// writeGateResult maps the gate business errors onto structured codes.
func (s *Server) writeGateResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, journeysdb.ErrJourneyNotFound):
		writeError(w, http.StatusNotFound, "ticket_not_found")
	case errors.Is(err, journey.ErrWrongStation):
		writeError(w, http.StatusUnprocessableEntity, "wrong_station")
	case errors.Is(err, journey.ErrWrongDestination):
		writeError(w, http.StatusPaymentRequired, "wrong_destination")
	case errors.Is(err, journey.ErrTicketExpired):
		writeError(w, http.StatusGone, "ticket_expired")
	case errors.Is(err, journey.ErrTicketNotUsable):
		writeError(w, http.StatusConflict, "ticket_not_usable")
	case errors.Is(err, journey.ErrNotInTransit):
		writeError(w, http.StatusConflict, "not_in_transit")
	case errors.Is(err, journey.ErrPenaltyOutstanding):
		writeError(w, http.StatusPaymentRequired, "penalty_outstanding")
	case errors.Is(err, journey.ErrNoPenaltyDue):
		writeError(w, http.StatusConflict, "no_penalty_due")
	case errors.Is(err, accountsdb.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient_funds")
	default:
		s.logf("httpapi: gate: %v", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}
