package booking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/storage"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) Publish(_ context.Context, evt models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) forBooking(id string) []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Event
	for _, e := range l.events {
		if e.BookingID == id {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

var day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func newTestService(t *testing.T, drivers ...models.Driver) (*Service, *storage.MemoryStore, *eventLog) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, d := range drivers {
		d := d
		if err := store.UpsertDriver(context.Background(), &d); err != nil {
			t.Fatalf("seed driver: %v", err)
		}
	}
	log := &eventLog{}
	var seq int64
	svc := NewService(store, store, log, nil)
	svc.newID = func() string { return fmt.Sprintf("b%d", atomic.AddInt64(&seq, 1)) }
	return svc, store, log
}

func approvedDriver(id string) models.Driver {
	return models.Driver{ID: id, Name: id, Approval: models.ApprovalApproved}
}

func mustCreate(t *testing.T, svc *Service, actor models.Actor, req CreateRequest) *models.Booking {
	t.Helper()
	b, err := svc.Create(context.Background(), actor, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func TestBackToBackScenario(t *testing.T) {
	svc, _, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()

	first := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(10, 0), End: at(11, 0)})
	if first.Status != models.StatusPending || first.Version != 1 {
		t.Fatalf("unexpected first booking %+v", first)
	}

	_, err := svc.Create(ctx, stranger, CreateRequest{DriverID: "d1", Start: at(10, 30), End: at(11, 30)})
	if apperr.KindOf(err) != apperr.SlotConflict {
		t.Fatalf("expected SlotConflict, got %v", err)
	}

	if _, err := svc.Create(ctx, stranger, CreateRequest{DriverID: "d1", Start: at(11, 0), End: at(12, 0)}); err != nil {
		t.Fatalf("back to back booking should succeed: %v", err)
	}

	all, _ := svc.List(ctx, admin, models.BookingFilter{})
	if len(all) != 2 {
		t.Fatalf("conflicting booking must not be persisted, have %d", len(all))
	}
}

func TestCreateValidation(t *testing.T) {
	svc, store, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d9", Approval: models.ApprovalRejected})

	cases := []struct {
		name  string
		actor models.Actor
		req   CreateRequest
		want  apperr.Kind
	}{
		{"end before start", passenger, CreateRequest{Start: at(11, 0), End: at(10, 0)}, apperr.InvalidRange},
		{"zero length", passenger, CreateRequest{Start: at(10, 0), End: at(10, 0)}, apperr.InvalidRange},
		{"rejected driver", passenger, CreateRequest{DriverID: "d9", Start: at(10, 0), End: at(11, 0)}, apperr.DriverNotEligible},
		{"unknown driver", passenger, CreateRequest{DriverID: "ghost", Start: at(10, 0), End: at(11, 0)}, apperr.DriverNotEligible},
		{"booking for someone else", passenger, CreateRequest{PassengerID: "p2", Start: at(10, 0), End: at(11, 0)}, apperr.Forbidden},
		{"driver cannot book", driver, CreateRequest{Start: at(10, 0), End: at(11, 0)}, apperr.Forbidden},
		{"admin must name passenger", admin, CreateRequest{Start: at(10, 0), End: at(11, 0)}, apperr.InvalidInput},
		{"pickup off the map", passenger, CreateRequest{Start: at(10, 0), End: at(11, 0),
			Pickup: models.Place{Label: "Home", Coord: &models.Coord{Lat: 500, Lng: 101.6}}}, apperr.InvalidInput},
		{"dropoff off the map", passenger, CreateRequest{Start: at(10, 0), End: at(11, 0),
			Dropoff: models.Place{Label: "Clinic", Coord: &models.Coord{Lat: 3.1, Lng: -181}}}, apperr.InvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.actor, tc.req)
			if apperr.KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	all, _ := store.ListBookings(ctx, models.BookingFilter{})
	if len(all) != 0 {
		t.Fatalf("failed creates must not persist, have %d", len(all))
	}
}

func TestCreateEmitsEvents(t *testing.T) {
	svc, _, log := newTestService(t, approvedDriver("d1"))
	b := mustCreate(t, svc, admin, CreateRequest{PassengerID: "p1", DriverID: "d1", Start: at(9, 0), End: at(10, 0)})

	evts := log.forBooking(b.ID)
	if len(evts) != 2 {
		t.Fatalf("expected status change and assignment, got %+v", evts)
	}
	if evts[0].Type != models.EventBookingStatusChanged || evts[0].OldStatus != "" || evts[0].NewStatus != models.StatusPending {
		t.Fatalf("unexpected first event %+v", evts[0])
	}
	if evts[1].Type != models.EventDriverAssigned || evts[1].DriverID != "d1" {
		t.Fatalf("unexpected second event %+v", evts[1])
	}
}

func TestLifecycleEventsInCommitOrder(t *testing.T) {
	svc, _, log := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})

	for _, a := range []Action{ActionAccept, ActionStart, ActionComplete} {
		if _, err := svc.Transition(ctx, driver, b.ID, a, ""); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}

	var got []models.BookingStatus
	var versions []int64
	for _, e := range log.forBooking(b.ID) {
		if e.Type == models.EventBookingStatusChanged {
			got = append(got, e.NewStatus)
			versions = append(versions, e.Version)
		}
	}
	want := []models.BookingStatus{models.StatusPending, models.StatusApproved, models.StatusInProgress, models.StatusCompleted}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			t.Fatalf("versions not sequential: %v", versions)
		}
	}

	for _, a := range []Action{ActionAccept, ActionDecline, ActionStart, ActionComplete, ActionCancel} {
		actor := driver
		if a == ActionCancel {
			actor = passenger
		}
		if _, err := svc.Transition(ctx, actor, b.ID, a, ""); apperr.KindOf(err) != apperr.BookingClosed {
			t.Fatalf("%s on completed booking: expected BookingClosedError, got %v", a, err)
		}
	}
	if _, err := svc.Transition(ctx, admin, b.ID, ActionOverride, models.StatusPending); apperr.KindOf(err) != apperr.BookingClosed {
		t.Fatalf("override on completed booking: expected BookingClosedError, got %v", err)
	}
}

func TestCancelReleasesDriverAtomically(t *testing.T) {
	svc, store, log := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	if _, err := svc.Transition(ctx, driver, b.ID, ActionAccept, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	log.reset()

	got, err := svc.Transition(ctx, passenger, b.ID, ActionCancel, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled || got.DriverID != "" {
		t.Fatalf("cancel must clear driver in the same write: %+v", got)
	}
	stored, _ := store.GetBooking(ctx, b.ID)
	if stored.DriverID != "" || stored.Version != got.Version {
		t.Fatalf("stored booking out of sync: %+v", stored)
	}

	evts := log.forBooking(b.ID)
	if len(evts) != 2 || evts[0].Type != models.EventBookingStatusChanged || evts[1].Type != models.EventDriverReleased {
		t.Fatalf("unexpected events %+v", evts)
	}
	if evts[0].DriverID != "d1" {
		t.Fatalf("driver room should hear about the cancellation, got %+v", evts[0])
	}

	// The slot is free again.
	mustCreate(t, svc, stranger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
}

func TestFailedTransitionLeavesBookingUnchanged(t *testing.T) {
	svc, store, log := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	log.reset()

	if _, err := svc.Transition(ctx, driver, b.ID, ActionComplete, ""); apperr.KindOf(err) != apperr.InvalidTransition {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	stored, _ := store.GetBooking(ctx, b.ID)
	if stored.Version != b.Version || stored.Status != models.StatusPending {
		t.Fatalf("booking changed: %+v", stored)
	}
	if n := len(log.forBooking(b.ID)); n != 0 {
		t.Fatalf("failed transition emitted %d events", n)
	}
}

func TestTransitionUnknownBooking(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Transition(context.Background(), driver, "missing", ActionAccept, "")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetAndListAreScoped(t *testing.T) {
	svc, _, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	mine := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	mustCreate(t, svc, stranger, CreateRequest{Start: at(9, 0), End: at(10, 0)})

	if _, err := svc.Get(ctx, stranger, mine.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("other passengers must not see the booking, got %v", err)
	}
	if _, err := svc.Get(ctx, driver, mine.ID); err != nil {
		t.Fatalf("assigned driver should see the booking: %v", err)
	}
	if _, err := svc.Get(ctx, other, mine.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("unassigned driver must not see the booking, got %v", err)
	}

	list, _ := svc.List(ctx, passenger, models.BookingFilter{PassengerID: "p2"})
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("passenger list must be scoped to self, got %+v", list)
	}
	list, _ = svc.List(ctx, admin, models.BookingFilter{Status: models.StatusPending})
	if len(list) != 2 {
		t.Fatalf("admin should see all pending bookings, got %d", len(list))
	}
}

func TestConcurrentCreatesNeverOverlap(t *testing.T) {
	svc, store, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(8, 0).Add(time.Duration(i%8) * 15 * time.Minute)
			actor := models.Actor{ID: fmt.Sprintf("p%d", i), Role: models.RolePassenger}
			if _, err := svc.Create(ctx, actor, CreateRequest{DriverID: "d1", Start: start, End: start.Add(time.Hour)}); err == nil {
				atomic.AddInt64(&ok, 1)
			} else if apperr.KindOf(err) != apperr.SlotConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, _ := store.ListBookings(ctx, models.BookingFilter{DriverID: "d1"})
	if int64(len(all)) != ok || ok == 0 {
		t.Fatalf("expected %d stored bookings, got %d", ok, len(all))
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].StartTime.Before(all[j].EndTime) && all[j].StartTime.Before(all[i].EndTime) {
				t.Fatalf("overlap between %s and %s", all[i].ID, all[j].ID)
			}
		}
	}
}

// staleOnce makes the first conditional write lose a race.
type staleOnce struct {
	*storage.MemoryStore
	failures int32
}

func (s *staleOnce) UpdateBooking(ctx context.Context, b *models.Booking, v int64) error {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return storage.ErrStale
	}
	return s.MemoryStore.UpdateBooking(ctx, b, v)
}

func TestStaleWriteIsRetried(t *testing.T) {
	mem := storage.NewMemoryStore()
	d := approvedDriver("d1")
	_ = mem.UpsertDriver(context.Background(), &d)
	store := &staleOnce{MemoryStore: mem, failures: 2}
	svc := NewService(store, mem, &eventLog{}, nil)

	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	got, err := svc.Transition(context.Background(), driver, b.ID, ActionAccept, "")
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if got.Status != models.StatusApproved || got.Version != 2 {
		t.Fatalf("unexpected booking %+v", got)
	}
}

func TestStaleWritesExhaustRetries(t *testing.T) {
	mem := storage.NewMemoryStore()
	d := approvedDriver("d1")
	_ = mem.UpsertDriver(context.Background(), &d)
	store := &staleOnce{MemoryStore: mem, failures: maxAttempts}
	svc := NewService(store, mem, &eventLog{}, nil)

	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	_, err := svc.Transition(context.Background(), driver, b.ID, ActionAccept, "")
	if apperr.KindOf(err) != apperr.Transient {
		t.Fatalf("expected Transient, got %v", err)
	}
}
