// Package booking owns the booking state machine and the driver assignment
// ledger. Every mutation is a read, validate, conditional write, publish cycle
// on a single booking.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/events"
	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
	"github.com/example/oku-ride/internal/schedule"
	"github.com/example/oku-ride/internal/storage"
)

type Service struct {
	bookings storage.BookingStore
	drivers  storage.DriverStore
	events   events.Publisher
	logger   *slog.Logger
	locks    stripedLock

	now   func() time.Time
	newID func() string
}

func NewService(bookings storage.BookingStore, drivers storage.DriverStore, pub events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bookings: bookings,
		drivers:  drivers,
		events:   pub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

type CreateRequest struct {
	PassengerID         string       `json:"passenger_id"`
	DriverID            string       `json:"driver_id,omitempty"`
	Start               time.Time    `json:"start"`
	End                 time.Time    `json:"end"`
	Pickup              models.Place `json:"pickup"`
	Dropoff             models.Place `json:"dropoff"`
	BookingType         string       `json:"booking_type,omitempty"`
	Purpose             string       `json:"purpose,omitempty"`
	SpecialInstructions string       `json:"special_instructions,omitempty"`
}

// Create books a ride as pending. Passengers book for themselves; admins may
// book on a passenger's behalf. A chosen driver must be approved and free for
// the whole range.
func (s *Service) Create(ctx context.Context, actor models.Actor, req CreateRequest) (_ *models.Booking, err error) {
	ctx, span := startSpan(ctx, "booking.Create", attribute.String("driver_id", req.DriverID))
	defer func() { endSpan(span, err) }()

	req.PassengerID = strings.TrimSpace(req.PassengerID)
	req.DriverID = strings.TrimSpace(req.DriverID)
	switch actor.Role {
	case models.RolePassenger:
		if req.PassengerID == "" {
			req.PassengerID = actor.ID
		}
		if req.PassengerID != actor.ID {
			return nil, apperr.New(apperr.Forbidden, "passengers may only book for themselves")
		}
	case models.RoleAdmin:
		if req.PassengerID == "" {
			return nil, apperr.New(apperr.InvalidInput, "passenger_id is required")
		}
	default:
		return nil, apperr.New(apperr.Forbidden, "only passengers or admins may create bookings")
	}

	iv := schedule.Interval{Start: req.Start, End: req.End}
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	for _, pl := range []struct {
		name  string
		place models.Place
	}{{"pickup", req.Pickup}, {"dropoff", req.Dropoff}} {
		if c := pl.place.Coord; c != nil && !geo.ValidCoord(*c) {
			return nil, apperr.New(apperr.InvalidInput, "%s lat/lng out of range: %f,%f", pl.name, c.Lat, c.Lng)
		}
	}

	if req.DriverID != "" {
		if err := s.checkEligible(ctx, req.DriverID); err != nil {
			return nil, err
		}
		existing, err := s.bookings.DriverIntervals(ctx, req.DriverID, "")
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "load driver schedule")
		}
		if clash, found, _ := schedule.FirstConflict(iv, existing); found {
			observability.SlotConflicts.Inc()
			return nil, slotConflict(req.DriverID, clash)
		}
	}

	now := s.now()
	b := &models.Booking{
		ID:                  s.newID(),
		PassengerID:         req.PassengerID,
		DriverID:            req.DriverID,
		StartTime:           req.Start.UTC(),
		EndTime:             req.End.UTC(),
		Pickup:              req.Pickup,
		Dropoff:             req.Dropoff,
		BookingType:         req.BookingType,
		Purpose:             req.Purpose,
		SpecialInstructions: req.SpecialInstructions,
		Status:              models.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	unlock := s.locks.Lock(b.ID)
	defer unlock()
	if err := s.bookings.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, storage.ErrSlotConflict) {
			observability.SlotConflicts.Inc()
			return nil, apperr.Wrap(apperr.SlotConflict, err, "driver %s already has an active booking in this time range", req.DriverID)
		}
		return nil, apperr.Wrap(apperr.Transient, err, "create booking")
	}
	observability.BookingsCreated.Inc()
	s.logger.Info("booking created", "booking_id", b.ID, "passenger_id", b.PassengerID, "driver_id", b.DriverID)
	s.emit(ctx, &models.Booking{ID: b.ID, PassengerID: b.PassengerID}, b)
	return b.Clone(), nil
}

// Transition applies a state machine action. target is only read for
// ActionOverride.
func (s *Service) Transition(ctx context.Context, actor models.Actor, id string, action Action, target models.BookingStatus) (_ *models.Booking, err error) {
	ctx, span := startSpan(ctx, "booking.Transition",
		attribute.String("booking_id", id), attribute.String("action", string(action)))
	defer func() {
		observability.Transitions.WithLabelValues(string(action), resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	return s.mutate(ctx, id, func(b *models.Booking) error {
		return apply(actor, b, action, target)
	})
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.Booking, error) {
	b, err := s.bookings.GetBooking(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "booking %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "load booking %s", id)
	}
	if !CanView(actor, b) {
		// Hide existence from callers who may not see it.
		return nil, apperr.New(apperr.NotFound, "booking %s not found", id)
	}
	return b, nil
}

// List returns bookings visible to actor. Non-admins are always scoped to
// their own bookings regardless of the filter they send.
func (s *Service) List(ctx context.Context, actor models.Actor, f models.BookingFilter) ([]*models.Booking, error) {
	switch actor.Role {
	case models.RolePassenger:
		f.PassengerID = actor.ID
	case models.RoleDriver:
		f.DriverID = actor.ID
	case models.RoleAdmin:
	default:
		return nil, apperr.New(apperr.Forbidden, "unknown role %q", actor.Role)
	}
	out, err := s.bookings.ListBookings(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "list bookings")
	}
	return out, nil
}

// CanView reports whether actor may read b or follow its realtime room.
func CanView(actor models.Actor, b *models.Booking) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RolePassenger:
		return b.PassengerID == actor.ID
	case models.RoleDriver:
		return b.DriverID != "" && b.DriverID == actor.ID
	}
	return false
}

func (s *Service) checkEligible(ctx context.Context, driverID string) error {
	d, err := s.drivers.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.DriverNotEligible, "driver %s is not registered", driverID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Transient, err, "load driver %s", driverID)
	}
	if !d.Eligible() {
		return apperr.New(apperr.DriverNotEligible, "driver %s approval is %s", driverID, d.Approval)
	}
	return nil
}

func slotConflict(driverID string, clash schedule.Interval) error {
	return apperr.New(apperr.SlotConflict, "driver %s is booked from %s to %s",
		driverID, clash.Start.Format(time.RFC3339), clash.End.Format(time.RFC3339))
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}
