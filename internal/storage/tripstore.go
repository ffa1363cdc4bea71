package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/schedule"
)

// MemoryStore is the in-process Store used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	drivers  map[string]*models.Driver
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*models.Booking),
		drivers:  make(map[string]*models.Driver),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookings[b.ID]; exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	if err := m.checkSlotLocked(b); err != nil {
		return err
	}
	b.Version = 1
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStale
	}
	if err := m.checkSlotLocked(b); err != nil {
		return err
	}
	b.Version = expectedVersion + 1
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) ListBookings(_ context.Context, f models.BookingFilter) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Booking, 0)
	for _, b := range m.bookings {
		if f.Match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (m *MemoryStore) DriverIntervals(_ context.Context, driverID, excludeID string) ([]schedule.Interval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driverIntervalsLocked(driverID, excludeID), nil
}

func (m *MemoryStore) driverIntervalsLocked(driverID, excludeID string) []schedule.Interval {
	var out []schedule.Interval
	for _, b := range m.bookings {
		if b.ID == excludeID || b.DriverID != driverID || !b.Status.Active() {
			continue
		}
		out = append(out, intervalOf(b))
	}
	return out
}

func (m *MemoryStore) checkSlotLocked(b *models.Booking) error {
	if !holdsSlot(b) {
		return nil
	}
	conflict, err := schedule.HasConflict(intervalOf(b), m.driverIntervalsLocked(b.DriverID, b.ID))
	if err != nil {
		return err
	}
	if conflict {
		return ErrSlotConflict
	}
	return nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cp := *d
	if existing, ok := m.drivers[d.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Approval == "" {
		cp.Approval = models.ApprovalPending
	}
	cp.UpdatedAt = now
	m.drivers[d.ID] = &cp
	*d = cp
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) SetDriverApproval(_ context.Context, id string, a models.Approval) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Approval = a
	d.UpdatedAt = m.now()
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, approval models.Approval) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if approval != "" && d.Approval != approval {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
