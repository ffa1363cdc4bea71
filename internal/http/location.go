package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/dispatch"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/relay"
)

func (s *Server) handleIngestLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	update, err := s.relay.Ingest(r.Context(), actor(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, update)
}

// latestView has explicit nulls so clients can tell "unknown" from zero.
type latestView struct {
	DriverID   *string    `json:"driver_id"`
	RideID     *string    `json:"ride_id"`
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	Speed      *float64   `json:"speed"`
	Heading    *float64   `json:"heading"`
	ETAMinutes *int       `json:"eta_minutes"`
	Timestamp  *time.Time `json:"timestamp"`
}

func (s *Server) handleLatestLocation(w http.ResponseWriter, r *http.Request) {
	q := relay.Query{RideID: r.URL.Query().Get("ride_id"), DriverID: r.URL.Query().Get("driver_id")}
	v, err := s.relay.Latest(r.Context(), actor(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := latestView{ETAMinutes: v.ETAMinutes}
	if q.RideID != "" {
		out.RideID = &q.RideID
	}
	if p := v.Ping; p != nil {
		out.DriverID, out.Lat, out.Lng = &p.DriverID, &p.Lat, &p.Lng
		out.Speed, out.Heading, out.Timestamp = &p.Speed, &p.Heading, &p.Timestamp
		if out.RideID == nil && p.RideID != "" {
			out.RideID = &p.RideID
		}
	} else if q.DriverID != "" {
		out.DriverID = &q.DriverID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentLocations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.New(apperr.InvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	out, err := s.relay.Recent(r.Context(), actor(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWS joins the requested rooms, or the caller's own room when none are
// given, and streams events until the client leaves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	rooms := r.URL.Query()["room"]
	if len(rooms) == 0 {
		rooms = []string{defaultRoom(a)}
	}
	sub, err := s.relay.Subscribe(r.Context(), a, rooms...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		sub.Close()
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	s.logger.Info("ws connected", "actor", a.ID, "rooms", sub.Rooms())
	err = dispatch.NewWSSession(conn, s.logger).Serve(r.Context(), sub)
	s.logger.Info("ws disconnected", "actor", a.ID, "reason", errString(err))
}

func defaultRoom(a models.Actor) string {
	switch a.Role {
	case models.RolePassenger:
		return models.RoomPassenger(a.ID)
	case models.RoleDriver:
		return models.RoomDriver(a.ID)
	default:
		return models.RoomAdmin
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
