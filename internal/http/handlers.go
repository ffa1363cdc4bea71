package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/booking"
	"github.com/example/oku-ride/internal/models"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.bookings.Create(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"booking_id": b.ID, "booking": b})
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.BookingFilter{
		PassengerID: q.Get("passenger_id"),
		DriverID:    q.Get("driver_id"),
		Status:      models.BookingStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, r, apperr.New(apperr.InvalidInput, "unknown status %q", f.Status))
		return
	}
	out, err := s.bookings.List(r.Context(), actor(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Get(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type transitionRequest struct {
	Action booking.Action       `json:"action"`
	Status models.BookingStatus `json:"status,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Action = booking.Action(strings.ToLower(strings.TrimSpace(string(req.Action))))
	b, err := s.bookings.Transition(r.Context(), actor(r), mux.Vars(r)["id"], req.Action, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if s.matcher == nil {
		s.writeError(w, r, apperr.New(apperr.Transient, "driver matching is not configured"))
		return
	}
	out, err := s.matcher.Candidates(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type assignRequest struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Approve  bool   `json:"approve,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RideID) == "" {
		s.writeError(w, r, apperr.New(apperr.InvalidInput, "ride_id is required"))
		return
	}
	assign := s.bookings.Assign
	if req.Approve {
		assign = s.bookings.AssignAndApprove
	}
	b, err := assign(r.Context(), actor(r), req.RideID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	b, err := s.bookings.Release(r.Context(), actor(r), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req booking.RegisterDriverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.bookings.RegisterDriver(r.Context(), actor(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	out, err := s.bookings.ListDrivers(r.Context(), actor(r), models.Approval(r.URL.Query().Get("approval")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.bookings.GetDriver(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.Approval `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.bookings.SetDriverApproval(r.Context(), actor(r), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
