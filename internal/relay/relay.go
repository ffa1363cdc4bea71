// Package relay ingests driver location pings, estimates arrival times and
// fans updates out to realtime subscribers.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/booking"
	"github.com/example/oku-ride/internal/eta"
	"github.com/example/oku-ride/internal/events"
	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
	"github.com/example/oku-ride/internal/storage"
)

const (
	DefaultRecentLimit = 100
	maxRecentLimit     = 1000
	// Device clocks drift; pings further ahead than this are stamped with
	// server time instead.
	maxClockSkew = time.Minute
)

// PingStream forwards accepted pings to the location stream.
type PingStream interface {
	PublishPing(ctx context.Context, p models.LocationPing) error
}

type Relay struct {
	Pings    storage.PingStore
	Bookings storage.BookingStore
	Events   events.Publisher
	Hub      *Hub
	ETA      *eta.Estimator
	Stream   PingStream
	Logger   *slog.Logger

	now func() time.Time
}

func New(pings storage.PingStore, bookings storage.BookingStore, pub events.Publisher, hub *Hub, est *eta.Estimator, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if est == nil {
		est = eta.New(eta.DefaultFallbackKmh)
	}
	return &Relay{
		Pings:    pings,
		Bookings: bookings,
		Events:   pub,
		Hub:      hub,
		ETA:      est,
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// View is the latest known position. Both fields are nil when nothing is
// known; a nil ETAMinutes next to a ping means no target to estimate against.
type View struct {
	Ping       *models.LocationPing
	ETAMinutes *int
}

type Query struct {
	RideID   string
	DriverID string
}

// Ingest accepts a ping from the driver's own device. It returns the update
// that was published so callers can echo it back.
func (r *Relay) Ingest(ctx context.Context, actor models.Actor, p models.LocationPing) (*models.LocationUpdate, error) {
	if actor.Role != models.RoleDriver {
		return nil, apperr.New(apperr.Forbidden, "only drivers may report locations")
	}
	p.DriverID = strings.TrimSpace(p.DriverID)
	if p.DriverID == "" {
		p.DriverID = actor.ID
	}
	if p.DriverID != actor.ID {
		return nil, apperr.New(apperr.Forbidden, "drivers may only report their own location")
	}
	if !geo.ValidCoord(p.Coord()) {
		return nil, apperr.New(apperr.InvalidInput, "lat/lng out of range: %f,%f", p.Lat, p.Lng)
	}
	if p.Speed < 0 || p.Accuracy < 0 {
		return nil, apperr.New(apperr.InvalidInput, "speed and accuracy must not be negative")
	}
	now := r.now()
	if p.Timestamp.IsZero() || p.Timestamp.After(now.Add(maxClockSkew)) {
		p.Timestamp = now
	}

	var ride *models.Booking
	if p.RideID != "" {
		b, err := r.Bookings.GetBooking(ctx, p.RideID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "ride %s not found", p.RideID)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "load ride %s", p.RideID)
		}
		if b.DriverID != p.DriverID {
			return nil, apperr.New(apperr.Forbidden, "ride %s is not assigned to driver %s", p.RideID, p.DriverID)
		}
		if b.Status.Terminal() {
			return nil, apperr.New(apperr.BookingClosed, "ride %s is %s", p.RideID, b.Status)
		}
		ride = b
	}

	if err := r.Pings.SavePing(ctx, p); err != nil {
		observability.PingStoreErrors.Inc()
		return nil, apperr.Wrap(apperr.Transient, err, "store ping")
	}
	observability.PingsIngested.Inc()

	update := &models.LocationUpdate{Ping: p, ETAMinutes: r.ETA.ForBooking(p, ride)}
	evt := models.Event{
		Type:       models.EventLocationUpdated,
		DriverID:   p.DriverID,
		Location:   update,
		OccurredAt: now,
	}
	if ride != nil {
		evt.BookingID = ride.ID
		evt.PassengerID = ride.PassengerID
	}
	if r.Events != nil {
		if err := r.Events.Publish(ctx, evt); err != nil {
			r.Logger.Warn("publish location failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if r.Stream != nil {
		if err := r.Stream.PublishPing(ctx, p); err != nil {
			r.Logger.Warn("forward ping to stream failed", "driver_id", p.DriverID, "error", err)
		}
	}
	return update, nil
}

// Latest returns the newest ping inside the retention window for a ride or a
// driver. A ride query also estimates the ETA to the ride's current target.
func (r *Relay) Latest(ctx context.Context, actor models.Actor, q Query) (View, error) {
	switch {
	case q.RideID != "":
		return r.latestForRide(ctx, actor, q.RideID)
	case q.DriverID != "":
		if !actor.IsAdmin() && !(actor.Role == models.RoleDriver && actor.ID == q.DriverID) {
			return View{}, apperr.New(apperr.Forbidden, "not allowed to track driver %s", q.DriverID)
		}
		p, err := r.Pings.LatestByDriver(ctx, q.DriverID)
		if err != nil {
			return View{}, apperr.Wrap(apperr.Transient, err, "load latest ping")
		}
		return View{Ping: p}, nil
	default:
		return View{}, apperr.New(apperr.InvalidInput, "ride_id or driver_id is required")
	}
}

func (r *Relay) latestForRide(ctx context.Context, actor models.Actor, rideID string) (View, error) {
	b, err := r.Bookings.GetBooking(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return View{}, apperr.New(apperr.NotFound, "ride %s not found", rideID)
	}
	if err != nil {
		return View{}, apperr.Wrap(apperr.Transient, err, "load ride %s", rideID)
	}
	if !booking.CanView(actor, b) {
		return View{}, apperr.New(apperr.NotFound, "ride %s not found", rideID)
	}

	p, err := r.Pings.LatestByRide(ctx, rideID)
	if err != nil {
		return View{}, apperr.Wrap(apperr.Transient, err, "load latest ping")
	}
	// The driver may not tag every ping with the ride; fall back to the
	// assigned driver's own latest ping.
	if p == nil && b.DriverID != "" {
		if p, err = r.Pings.LatestByDriver(ctx, b.DriverID); err != nil {
			return View{}, apperr.Wrap(apperr.Transient, err, "load latest ping")
		}
		if p != nil && p.DriverID != b.DriverID {
			p = nil
		}
	}
	if p == nil {
		return View{}, nil
	}
	return View{Ping: p, ETAMinutes: r.ETA.ForBooking(*p, b)}, nil
}

// Recent lists the latest ping of every driver seen inside the window.
func (r *Relay) Recent(ctx context.Context, actor models.Actor, limit int) ([]models.LocationPing, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "only admins may list driver locations")
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	out, err := r.Pings.Recent(ctx, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list recent pings")
	}
	if out == nil {
		out = []models.LocationPing{}
	}
	return out, nil
}

// Subscribe joins the rooms after checking actor may follow each of them.
// The subscription lives until the caller closes it.
func (r *Relay) Subscribe(ctx context.Context, actor models.Actor, rooms ...string) (*Subscription, error) {
	if len(rooms) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "at least one room is required")
	}
	for _, room := range rooms {
		if err := r.AuthorizeRoom(ctx, actor, room); err != nil {
			return nil, err
		}
	}
	if actor.Role == models.RoleDriver {
		return r.Hub.SubscribeDriver(actor.ID, rooms...), nil
	}
	return r.Hub.Subscribe(rooms...), nil
}

func (r *Relay) AuthorizeRoom(ctx context.Context, actor models.Actor, room string) error {
	if actor.IsAdmin() {
		return nil
	}
	switch {
	case room == models.RoomAdmin:
	case strings.HasPrefix(room, "passenger_"):
		if actor.Role == models.RolePassenger && room == models.RoomPassenger(actor.ID) {
			return nil
		}
	case strings.HasPrefix(room, "driver_"):
		if actor.Role == models.RoleDriver && room == models.RoomDriver(actor.ID) {
			return nil
		}
	case strings.HasPrefix(room, "ride_"):
		id := strings.TrimPrefix(room, "ride_")
		b, err := r.Bookings.GetBooking(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "ride %s not found", id)
		}
		if err != nil {
			return apperr.Wrap(apperr.Transient, err, "load ride %s", id)
		}
		if booking.CanView(actor, b) {
			return nil
		}
	default:
		return apperr.New(apperr.InvalidInput, "unknown room %q", room)
	}
	return apperr.New(apperr.Forbidden, "not allowed to join %s", room)
}
