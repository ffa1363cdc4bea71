package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/eta"
	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/storage"
)

var (
	driver    = models.Actor{ID: "d1", Role: models.RoleDriver}
	passenger = models.Actor{ID: "p1", Role: models.RolePassenger}
	admin     = models.Actor{ID: "jkm", Role: models.RoleAdmin}
)

// The ping store judges retention against the wall clock.
var now = time.Now().UTC().Truncate(time.Second)

type fakeStream struct {
	mu    sync.Mutex
	pings []models.LocationPing
}

func (f *fakeStream) PublishPing(_ context.Context, p models.LocationPing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, p)
	return nil
}

func newTestRelay(t *testing.T) (*Relay, *storage.MemoryStore, *fakeStream) {
	t.Helper()
	store := storage.NewMemoryStore()
	pings := storage.NewMemoryPingStore(time.Hour)
	hub := NewHub(8, nil)
	r := New(pings, store, hub, hub, eta.New(30), nil)
	r.now = func() time.Time { return now }
	stream := &fakeStream{}
	r.Stream = stream
	return r, store, stream
}

func seedRide(t *testing.T, store *storage.MemoryStore, id, driverID string, status models.BookingStatus) *models.Booking {
	t.Helper()
	b := &models.Booking{
		ID:          id,
		PassengerID: "p1",
		DriverID:    driverID,
		StartTime:   now,
		EndTime:     now.Add(time.Hour),
		Pickup:      models.Place{Label: "Pickup", Coord: &models.Coord{Lat: 0, Lng: 0.1}},
		Dropoff:     models.Place{Label: "Clinic", Coord: &models.Coord{Lat: 0, Lng: 0.2}},
		Status:      status,
	}
	if err := store.CreateBooking(context.Background(), b); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	return b
}

func TestLatestUnknownWithoutPings(t *testing.T) {
	r, store, _ := newTestRelay(t)
	seedRide(t, store, "r1", "d1", models.StatusApproved)

	v, err := r.Latest(context.Background(), admin, Query{DriverID: "d1"})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v.Ping != nil || v.ETAMinutes != nil {
		t.Fatalf("expected unknown, got %+v", v)
	}
	v, err = r.Latest(context.Background(), passenger, Query{RideID: "r1"})
	if err != nil || v.Ping != nil || v.ETAMinutes != nil {
		t.Fatalf("expected unknown ride location, got %+v %v", v, err)
	}
}

func TestIngestComputesETAAndPublishes(t *testing.T) {
	r, store, stream := newTestRelay(t)
	seedRide(t, store, "r1", "d1", models.StatusApproved)
	sub := r.Hub.Subscribe(models.RoomRide("r1"))
	defer sub.Close()

	update, err := r.Ingest(context.Background(), driver, models.LocationPing{RideID: "r1", Lat: 0, Lng: 0})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if update.ETAMinutes == nil || *update.ETAMinutes != 22 {
		t.Fatalf("expected 22 minute ETA, got %v", update.ETAMinutes)
	}
	if update.Ping.DriverID != "d1" || !update.Ping.Timestamp.Equal(now) {
		t.Fatalf("ping should default driver and timestamp, got %+v", update.Ping)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != models.EventLocationUpdated || evt.PassengerID != "p1" || evt.Location == nil {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no location event delivered")
	}
	if len(stream.pings) != 1 {
		t.Fatalf("ping should be forwarded to the stream, got %d", len(stream.pings))
	}

	v, err := r.Latest(context.Background(), passenger, Query{RideID: "r1"})
	if err != nil || v.Ping == nil || v.ETAMinutes == nil || *v.ETAMinutes != 22 {
		t.Fatalf("unexpected latest view %+v %v", v, err)
	}
}

func TestLatestTargetsDropoffInProgress(t *testing.T) {
	r, store, _ := newTestRelay(t)
	seedRide(t, store, "r1", "d1", models.StatusInProgress)
	if _, err := r.Ingest(context.Background(), driver, models.LocationPing{Lat: 0, Lng: 0}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	v, err := r.Latest(context.Background(), admin, Query{RideID: "r1"})
	if err != nil || v.ETAMinutes == nil || *v.ETAMinutes != 44 {
		t.Fatalf("expected 44 minute ETA to dropoff, got %+v %v", v, err)
	}
}

func TestLatestExpiresOutsideWindow(t *testing.T) {
	r, _, _ := newTestRelay(t)
	old := now.Add(-2 * time.Hour)
	if _, err := r.Ingest(context.Background(), driver, models.LocationPing{Lat: 1, Lng: 1, Timestamp: old}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	v, _ := r.Latest(context.Background(), driver, Query{DriverID: "d1"})
	if v.Ping != nil {
		t.Fatalf("stale ping should be unknown, got %+v", v.Ping)
	}
}

func TestIngestValidation(t *testing.T) {
	r, store, _ := newTestRelay(t)
	seedRide(t, store, "r1", "d2", models.StatusApproved)
	seedRide(t, store, "r2", "d1", models.StatusCompleted)

	cases := []struct {
		name  string
		actor models.Actor
		ping  models.LocationPing
		want  apperr.Kind
	}{
		{"passenger", passenger, models.LocationPing{Lat: 1, Lng: 1}, apperr.Forbidden},
		{"spoofed driver", driver, models.LocationPing{DriverID: "d2", Lat: 1, Lng: 1}, apperr.Forbidden},
		{"bad latitude", driver, models.LocationPing{Lat: 95, Lng: 1}, apperr.InvalidInput},
		{"negative speed", driver, models.LocationPing{Lat: 1, Lng: 1, Speed: -3}, apperr.InvalidInput},
		{"unknown ride", driver, models.LocationPing{RideID: "nope", Lat: 1, Lng: 1}, apperr.NotFound},
		{"someone else's ride", driver, models.LocationPing{RideID: "r1", Lat: 1, Lng: 1}, apperr.Forbidden},
		{"finished ride", driver, models.LocationPing{RideID: "r2", Lat: 1, Lng: 1}, apperr.BookingClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Ingest(context.Background(), tc.actor, tc.ping)
			if apperr.KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestRecentDefaultsAndScope(t *testing.T) {
	r, _, _ := newTestRelay(t)
	for i, id := range []string{"d1", "d2", "d3"} {
		actor := models.Actor{ID: id, Role: models.RoleDriver}
		ts := now.Add(time.Duration(i) * time.Second)
		if _, err := r.Ingest(context.Background(), actor, models.LocationPing{Lat: 1, Lng: 1, Timestamp: ts}); err != nil {
			t.Fatalf("ingest %s: %v", id, err)
		}
	}
	if _, err := r.Recent(context.Background(), driver, 0); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	out, err := r.Recent(context.Background(), admin, 2)
	if err != nil || len(out) != 2 || out[0].DriverID != "d3" {
		t.Fatalf("unexpected recent %+v %v", out, err)
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	r, store, _ := newTestRelay(t)
	seedRide(t, store, "r1", "d1", models.StatusApproved)
	ctx := context.Background()

	allowed := []struct {
		actor models.Actor
		room  string
	}{
		{passenger, models.RoomPassenger("p1")},
		{passenger, models.RoomRide("r1")},
		{driver, models.RoomDriver("d1")},
		{driver, models.RoomRide("r1")},
		{admin, models.RoomAdmin},
		{admin, models.RoomDriver("d9")},
	}
	for _, tc := range allowed {
		sub, err := r.Subscribe(ctx, tc.actor, tc.room)
		if err != nil {
			t.Fatalf("%s joining %s: %v", tc.actor.ID, tc.room, err)
		}
		sub.Close()
	}

	denied := []struct {
		actor models.Actor
		room  string
		want  apperr.Kind
	}{
		{passenger, models.RoomPassenger("p2"), apperr.Forbidden},
		{passenger, models.RoomAdmin, apperr.Forbidden},
		{driver, models.RoomDriver("d2"), apperr.Forbidden},
		{models.Actor{ID: "p2", Role: models.RolePassenger}, models.RoomRide("r1"), apperr.Forbidden},
		{passenger, models.RoomRide("ghost"), apperr.NotFound},
		{passenger, "lobby", apperr.InvalidInput},
	}
	for _, tc := range denied {
		if _, err := r.Subscribe(ctx, tc.actor, tc.room); apperr.KindOf(err) != tc.want {
			t.Fatalf("%s joining %s: expected %s, got %v", tc.actor.ID, tc.room, tc.want, err)
		}
	}
}

func TestReleasedDriverStopsFollowingRide(t *testing.T) {
	r, store, _ := newTestRelay(t)
	ctx := context.Background()
	b := seedRide(t, store, "r1", "d1", models.StatusApproved)

	mine, err := r.Subscribe(ctx, driver, models.RoomRide("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer mine.Close()
	watcher, err := r.Subscribe(ctx, passenger, models.RoomRide("r1"))
	if err != nil {
		t.Fatalf("subscribe passenger: %v", err)
	}
	defer watcher.Close()

	next := b.Clone()
	next.DriverID = "d2"
	if err := store.UpdateBooking(ctx, next, b.Version); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	_ = r.Hub.Publish(ctx, models.Event{Type: models.EventDriverReleased, BookingID: "r1", PassengerID: "p1", DriverID: "d1"})
	recv(t, mine)
	recv(t, watcher)

	d2 := models.Actor{ID: "d2", Role: models.RoleDriver}
	if _, err := r.Ingest(ctx, d2, models.LocationPing{RideID: "r1", Lat: 0, Lng: 0.05}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if evt := recv(t, watcher); evt.Type != models.EventLocationUpdated || evt.DriverID != "d2" {
		t.Fatalf("unexpected event %+v", evt)
	}
	select {
	case evt := <-mine.C:
		t.Fatalf("released driver received %+v", evt)
	default:
	}
}
