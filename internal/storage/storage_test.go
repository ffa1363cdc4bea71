package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/oku-ride/internal/models"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func booking(id, driver string, startOff, endOff time.Duration) *models.Booking {
	return &models.Booking{
		ID:          id,
		PassengerID: "p1",
		DriverID:    driver,
		StartTime:   base.Add(startOff),
		EndTime:     base.Add(endOff),
		Status:      models.StatusPending,
	}
}

func TestMemoryStoreCreateDetectsOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateBooking(ctx, booking("a", "d1", 0, time.Hour)); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.CreateBooking(ctx, booking("b", "d1", 30*time.Minute, 90*time.Minute)); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	if err := s.CreateBooking(ctx, booking("c", "d1", time.Hour, 2*time.Hour)); err != nil {
		t.Fatalf("back to back booking should succeed: %v", err)
	}
	if err := s.CreateBooking(ctx, booking("d", "d2", 30*time.Minute, 90*time.Minute)); err != nil {
		t.Fatalf("other driver should not conflict: %v", err)
	}
	if _, err := s.GetBooking(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conflicting booking must not be persisted, got %v", err)
	}
}

func TestMemoryStoreInactiveBookingsFreeTheSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := booking("a", "d1", 0, time.Hour)
	_ = s.CreateBooking(ctx, a)

	a.Status = models.StatusCancelled
	a.DriverID = ""
	if err := s.UpdateBooking(ctx, a, a.Version); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateBooking(ctx, booking("b", "d1", 0, time.Hour)); err != nil {
		t.Fatalf("slot should be free after cancel: %v", err)
	}
}

func TestMemoryStoreUpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := booking("a", "", 0, time.Hour)
	_ = s.CreateBooking(ctx, b)
	if b.Version != 1 {
		t.Fatalf("expected version 1, got %d", b.Version)
	}

	first, _ := s.GetBooking(ctx, "a")
	second, _ := s.GetBooking(ctx, "a")

	first.DriverID = "d1"
	if err := s.UpdateBooking(ctx, first, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2, got %d", first.Version)
	}
	second.DriverID = "d2"
	if err := s.UpdateBooking(ctx, second, 1); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	got, _ := s.GetBooking(ctx, "a")
	if got.DriverID != "d1" {
		t.Fatalf("stale write leaked: %+v", got)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b := booking("a", "", 0, time.Hour)
	b.Pickup.Coord = &models.Coord{Lat: 1, Lng: 1}
	_ = s.CreateBooking(ctx, b)

	got, _ := s.GetBooking(ctx, "a")
	got.Status = models.StatusCompleted
	got.Pickup.Coord.Lat = 50

	again, _ := s.GetBooking(ctx, "a")
	if again.Status != models.StatusPending || again.Pickup.Coord.Lat != 1 {
		t.Fatalf("store state mutated through returned pointer: %+v", again)
	}
}

func TestMemoryStoreConcurrentCreatesNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off := time.Duration(i%5) * 20 * time.Minute
			_ = s.CreateBooking(ctx, booking(string(rune('A'+i)), "d1", off, off+time.Hour))
		}(i)
	}
	wg.Wait()

	all, _ := s.ListBookings(ctx, models.BookingFilter{DriverID: "d1"})
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].StartTime.Before(all[j].EndTime) && all[j].StartTime.Before(all[i].EndTime) {
				t.Fatalf("overlap between %s and %s", all[i].ID, all[j].ID)
			}
		}
	}
}

func TestMemoryStoreDrivers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.UpsertDriver(ctx, &models.Driver{ID: "d1", Name: "Aminah"})
	_ = s.UpsertDriver(ctx, &models.Driver{ID: "d2", Name: "Ravi"})

	d, err := s.GetDriver(ctx, "d1")
	if err != nil || d.Approval != models.ApprovalPending {
		t.Fatalf("new drivers start pending, got %+v %v", d, err)
	}
	if _, err := s.SetDriverApproval(ctx, "d2", models.ApprovalApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	approved, _ := s.ListDrivers(ctx, models.ApprovalApproved)
	if len(approved) != 1 || approved[0].ID != "d2" {
		t.Fatalf("unexpected approved list %+v", approved)
	}
	if _, err := s.SetDriverApproval(ctx, "missing", models.ApprovalApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPingStoreRetention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPingStore(time.Hour)
	now := base
	s.now = func() time.Time { return now }

	_ = s.SavePing(ctx, models.LocationPing{DriverID: "d1", RideID: "r1", Lat: 1, Lng: 1, Timestamp: now})
	_ = s.SavePing(ctx, models.LocationPing{DriverID: "d2", Lat: 2, Lng: 2, Timestamp: now.Add(time.Minute)})

	if p, _ := s.LatestByRide(ctx, "r1"); p == nil || p.DriverID != "d1" {
		t.Fatalf("expected ride ping, got %+v", p)
	}
	recent, _ := s.Recent(ctx, 0)
	if len(recent) != 2 || recent[0].DriverID != "d2" {
		t.Fatalf("expected newest first, got %+v", recent)
	}

	now = now.Add(61 * time.Minute)
	if p, _ := s.LatestByDriver(ctx, "d1"); p != nil {
		t.Fatalf("ping outside window should be unknown, got %+v", p)
	}
	if p, _ := s.LatestByDriver(ctx, "d2"); p == nil {
		t.Fatal("d2 still inside window")
	}
	if n := s.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	hits, _ := s.Nearby(ctx, models.Coord{}, 0, 10)
	if len(hits) != 1 || hits[0].DriverID != "d2" {
		t.Fatalf("unexpected nearby %+v", hits)
	}
}

func TestMemoryPingStoreIgnoresOlderPing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPingStore(time.Hour)
	s.now = func() time.Time { return base }
	_ = s.SavePing(ctx, models.LocationPing{DriverID: "d1", Lat: 5, Timestamp: base})
	_ = s.SavePing(ctx, models.LocationPing{DriverID: "d1", Lat: 4, Timestamp: base.Add(-time.Minute)})

	p, _ := s.LatestByDriver(ctx, "d1")
	if p == nil || p.Lat != 5 {
		t.Fatalf("older ping replaced newer one: %+v", p)
	}
}

func TestLatestUnknownDriver(t *testing.T) {
	s := NewMemoryPingStore(0)
	p, err := s.LatestByDriver(context.Background(), "nobody")
	if err != nil || p != nil {
		t.Fatalf("expected (nil, nil), got %+v %v", p, err)
	}
}

func TestToPingDocUsesGeoJSONOrder(t *testing.T) {
	doc := toPingDoc(models.LocationPing{DriverID: "d1", Lat: 3.1, Lng: 101.7}, base)
	if doc.Location.Type != "Point" || doc.Location.Coordinates[0] != 101.7 || doc.Location.Coordinates[1] != 3.1 {
		t.Fatalf("GeoJSON must be [lng, lat], got %+v", doc.Location)
	}
}
