// Package matcher suggests drivers for a booking that still needs one.
package matcher

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/eta"
	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
	"github.com/example/oku-ride/internal/schedule"
	"github.com/example/oku-ride/internal/storage"
)

const (
	DefaultTopN = 8
	// DefaultRadiusMeters bounds the nearby search around the pickup.
	DefaultRadiusMeters = 25_000
)

// Geo finds drivers with a recent ping near a point.
type Geo interface {
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]geo.Hit, error)
	LatestByDriver(ctx context.Context, driverID string) (*models.LocationPing, error)
}

type Candidate struct {
	DriverID       string  `json:"driver_id"`
	Name           string  `json:"name,omitempty"`
	VehicleType    string  `json:"vehicle_type,omitempty"`
	DistanceMeters float64 `json:"distance_meters"`
	ETAMinutes     int     `json:"eta_minutes"`
}

type Service struct {
	Geo          Geo
	Drivers      storage.DriverStore
	Bookings     storage.BookingStore
	ETA          *eta.Estimator
	TopN         int
	RadiusMeters float64
}

// Candidates ranks approved drivers that are free for the booking's range by
// straight-line ETA to the pickup, then by distance.
func (s *Service) Candidates(ctx context.Context, actor models.Actor, rideID string) ([]Candidate, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "only admins can list driver candidates")
	}
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	b, err := s.Bookings.GetBooking(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "booking %s not found", rideID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "load booking %s", rideID)
	}
	if b.Status.Terminal() {
		return nil, apperr.New(apperr.BookingClosed, "booking %s is %s", rideID, b.Status)
	}
	if b.Pickup.Coord == nil {
		return nil, apperr.New(apperr.InvalidInput, "booking %s has no pickup coordinate", rideID)
	}

	topN := s.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	radius := s.RadiusMeters
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	est := s.ETA
	if est == nil {
		est = eta.New(eta.DefaultFallbackKmh)
	}

	// Ineligible and busy drivers are filtered after the search, so ask for
	// more hits than we return.
	hits, err := s.Geo.Nearby(ctx, *b.Pickup.Coord, radius, topN*4)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "search nearby drivers")
	}
	want := schedule.Interval{Start: b.StartTime, End: b.EndTime}

	out := make([]Candidate, 0, topN)
	for _, h := range hits {
		d, err := s.Drivers.GetDriver(ctx, h.DriverID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "load driver %s", h.DriverID)
		}
		if !d.Eligible() {
			continue
		}
		busy, err := s.Bookings.DriverIntervals(ctx, d.ID, b.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "load schedule of %s", d.ID)
		}
		if conflict, _ := schedule.HasConflict(want, busy); conflict {
			continue
		}
		var speed float64
		if p, err := s.Geo.LatestByDriver(ctx, d.ID); err == nil && p != nil {
			speed = p.Speed
		}
		out = append(out, Candidate{
			DriverID:       d.ID,
			Name:           d.Name,
			VehicleType:    d.VehicleType,
			DistanceMeters: h.DistanceMeters,
			ETAMinutes:     est.Minutes(h.Coord, *b.Pickup.Coord, speed),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ETAMinutes != out[j].ETAMinutes {
			return out[i].ETAMinutes < out[j].ETAMinutes
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}
