package booking

import (
	"context"
	"errors"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/observability"
	"github.com/example/oku-ride/internal/storage"
)

const maxAttempts = 3

// mutate runs fn against a fresh copy of the booking and writes the result
// conditionally on the version it read. A lost race re-reads and re-runs fn,
// so every attempt validates against current state. The per-booking lock is
// held until events are published, which keeps subscribers in commit order.
func (s *Service) mutate(ctx context.Context, id string, fn func(b *models.Booking) error) (*models.Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := s.bookings.GetBooking(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "booking %s not found", id)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, err, "load booking %s", id)
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now()

		err = s.bookings.UpdateBooking(ctx, next, cur.Version)
		switch {
		case err == nil:
			s.emit(ctx, cur, next)
			return next.Clone(), nil
		case errors.Is(err, storage.ErrStale):
			observability.StaleRetries.Inc()
			s.logger.Debug("stale booking write, retrying", "booking_id", id, "attempt", attempt+1)
			continue
		case errors.Is(err, storage.ErrSlotConflict):
			observability.SlotConflicts.Inc()
			return nil, apperr.Wrap(apperr.SlotConflict, err, "driver %s already has an active booking in this time range", next.DriverID)
		case errors.Is(err, storage.ErrNotFound):
			return nil, apperr.New(apperr.NotFound, "booking %s not found", id)
		default:
			return nil, apperr.Wrap(apperr.Transient, err, "save booking %s", id)
		}
	}
	return nil, apperr.New(apperr.Transient, "booking %s is changing concurrently, retry", id)
}

// emit publishes what changed between prev and next: the status change
// first, then any driver release and assignment.
func (s *Service) emit(ctx context.Context, prev, next *models.Booking) {
	if s.events == nil {
		return
	}
	now := s.now()
	var out []models.Event

	if prev.Status != next.Status {
		driverID := next.DriverID
		if driverID == "" {
			driverID = prev.DriverID
		}
		out = append(out, models.Event{
			Type:        models.EventBookingStatusChanged,
			BookingID:   next.ID,
			PassengerID: next.PassengerID,
			DriverID:    driverID,
			OldStatus:   prev.Status,
			NewStatus:   next.Status,
			Version:     next.Version,
			OccurredAt:  now,
		})
	}
	if prev.DriverID != next.DriverID {
		if prev.DriverID != "" {
			out = append(out, driverEvent(models.EventDriverReleased, next, prev.DriverID, now))
		}
		if next.DriverID != "" {
			out = append(out, driverEvent(models.EventDriverAssigned, next, next.DriverID, now))
		}
	}

	for _, evt := range out {
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.Warn("publish event failed", "type", evt.Type, "booking_id", evt.BookingID, "error", err)
		}
	}
}

func driverEvent(typ models.EventType, b *models.Booking, driverID string, now time.Time) models.Event {
	return models.Event{
		Type:        typ,
		BookingID:   b.ID,
		PassengerID: b.PassengerID,
		DriverID:    driverID,
		NewStatus:   b.Status,
		Version:     b.Version,
		OccurredAt:  now,
	}
}
