package booking

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
)

// Assign attaches driverID to a pending, unassigned ride. The ride stays
// pending until the driver accepts.
func (s *Service) Assign(ctx context.Context, actor models.Actor, rideID, driverID string) (*models.Booking, error) {
	return s.assign(ctx, actor, rideID, driverID, false)
}

// AssignAndApprove assigns and approves in one write, for dispatchers that
// confirmed with the driver out of band.
func (s *Service) AssignAndApprove(ctx context.Context, actor models.Actor, rideID, driverID string) (*models.Booking, error) {
	return s.assign(ctx, actor, rideID, driverID, true)
}

func (s *Service) assign(ctx context.Context, actor models.Actor, rideID, driverID string, approve bool) (_ *models.Booking, err error) {
	ctx, span := startSpan(ctx, "booking.Assign",
		attribute.String("booking_id", rideID), attribute.String("driver_id", driverID), attribute.Bool("approve", approve))
	defer func() {
		observability.Assignments.WithLabelValues("assign", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "only admins may assign drivers")
	}
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return nil, apperr.New(apperr.InvalidInput, "driver_id is required")
	}
	if err := s.checkEligible(ctx, driverID); err != nil {
		return nil, err
	}

	b, err := s.mutate(ctx, rideID, func(b *models.Booking) error {
		switch {
		case b.Status.Terminal():
			return apperr.New(apperr.BookingClosed, "booking %s is %s and cannot change", b.ID, b.Status)
		case b.DriverID != "":
			return apperr.New(apperr.AlreadyAssigned, "booking %s already has driver %s", b.ID, b.DriverID)
		case b.Status != models.StatusPending:
			return apperr.New(apperr.InvalidTransition, "cannot assign a driver to booking %s in status %s", b.ID, b.Status)
		}
		b.DriverID = driverID
		if approve {
			b.Status = models.StatusApproved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("driver assigned", "booking_id", rideID, "driver_id", driverID, "approved", approve)
	return b, nil
}

// Release detaches the driver and reverts the ride to pending. It is only
// legal before the trip starts and while a driver is attached, so a second
// release fails instead of silently succeeding.
func (s *Service) Release(ctx context.Context, actor models.Actor, rideID string) (_ *models.Booking, err error) {
	ctx, span := startSpan(ctx, "booking.Release", attribute.String("booking_id", rideID))
	defer func() {
		observability.Assignments.WithLabelValues("release", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if !actor.IsAdmin() && actor.Role != models.RoleDriver {
		return nil, apperr.New(apperr.Forbidden, "only admins or the assigned driver may release a ride")
	}

	var released string
	b, err := s.mutate(ctx, rideID, func(b *models.Booking) error {
		if actor.Role == models.RoleDriver && b.DriverID != actor.ID {
			return apperr.New(apperr.Forbidden, "only the assigned driver may release this ride")
		}
		if b.Status != models.StatusPending && b.Status != models.StatusApproved {
			return apperr.New(apperr.ReleaseNotAllowed, "cannot release booking %s in status %s", b.ID, b.Status)
		}
		if b.DriverID == "" {
			return apperr.New(apperr.ReleaseNotAllowed, "booking %s has no driver to release", b.ID)
		}
		released = b.DriverID
		b.DriverID = ""
		b.Status = models.StatusPending
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("driver released", "booking_id", rideID, "driver_id", released)
	return b, nil
}
