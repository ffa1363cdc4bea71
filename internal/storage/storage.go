package storage

import (
	"context"
	"errors"

	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/schedule"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means the row changed since it was read.
	ErrStale = errors.New("stale version")
	// ErrSlotConflict means the write would overlap another active booking
	// of the same driver.
	ErrSlotConflict = errors.New("driver slot conflict")
)

// BookingStore persists bookings. CreateBooking and UpdateBooking are atomic
// check-and-set operations: the driver overlap check and the write happen in
// one critical section.
type BookingStore interface {
	// CreateBooking inserts b with Version 1. When b is active and has a
	// driver it fails with ErrSlotConflict if the driver is already busy.
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// UpdateBooking replaces the stored row only if its version still equals
	// expectedVersion, then sets b.Version to expectedVersion+1.
	UpdateBooking(ctx context.Context, b *models.Booking, expectedVersion int64) error
	ListBookings(ctx context.Context, f models.BookingFilter) ([]*models.Booking, error)
	// DriverIntervals returns the ranges of the driver's active bookings,
	// skipping excludeID.
	DriverIntervals(ctx context.Context, driverID, excludeID string) ([]schedule.Interval, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetDriverApproval(ctx context.Context, id string, a models.Approval) (*models.Driver, error)
	// ListDrivers filters by approval; an empty approval lists everyone.
	ListDrivers(ctx context.Context, approval models.Approval) ([]*models.Driver, error)
}

// PingStore keeps recent location pings. Reads only see pings inside the
// retention window; an absent ping is (nil, nil).
type PingStore interface {
	SavePing(ctx context.Context, p models.LocationPing) error
	LatestByDriver(ctx context.Context, driverID string) (*models.LocationPing, error)
	LatestByRide(ctx context.Context, rideID string) (*models.LocationPing, error)
	// Recent returns the latest ping of each driver, newest first.
	Recent(ctx context.Context, limit int) ([]models.LocationPing, error)
	Nearby(ctx context.Context, c models.Coord, radiusMeters float64, limit int) ([]geo.Hit, error)
}

// Store bundles the persistence the API process needs.
type Store interface {
	BookingStore
	DriverStore
}

func intervalOf(b *models.Booking) schedule.Interval {
	return schedule.Interval{Start: b.StartTime, End: b.EndTime}
}

// holdsSlot reports whether b occupies its driver's schedule.
func holdsSlot(b *models.Booking) bool {
	return b.DriverID != "" && b.Status.Active()
}
