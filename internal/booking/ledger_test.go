package booking

import (
	"context"
	"sync"
	"testing"

	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
)

func TestAssignPreconditions(t *testing.T) {
	svc, store, _ := newTestService(t, approvedDriver("d1"), approvedDriver("d2"))
	ctx := context.Background()
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d3", Approval: models.ApprovalPending})

	open := mustCreate(t, svc, passenger, CreateRequest{Start: at(9, 0), End: at(10, 0)})
	taken := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d2", Start: at(13, 0), End: at(14, 0)})
	clash := mustCreate(t, svc, stranger, CreateRequest{Start: at(13, 30), End: at(14, 30)})

	cases := []struct {
		name   string
		actor  models.Actor
		ride   string
		driver string
		want   apperr.Kind
	}{
		{"passenger cannot assign", passenger, open.ID, "d1", apperr.Forbidden},
		{"driver cannot assign", driver, open.ID, "d1", apperr.Forbidden},
		{"pending driver", admin, open.ID, "d3", apperr.DriverNotEligible},
		{"unknown driver", admin, open.ID, "ghost", apperr.DriverNotEligible},
		{"missing driver id", admin, open.ID, "", apperr.InvalidInput},
		{"already assigned", admin, taken.ID, "d1", apperr.AlreadyAssigned},
		{"driver busy", admin, clash.ID, "d2", apperr.SlotConflict},
		{"unknown ride", admin, "nope", "d1", apperr.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Assign(ctx, tc.actor, tc.ride, tc.driver)
			if apperr.KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	got, err := svc.Assign(ctx, admin, open.ID, "d1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.DriverID != "d1" || got.Status != models.StatusPending {
		t.Fatalf("assignment must not approve the ride: %+v", got)
	}
}

func TestAssignClosedOrTakenRide(t *testing.T) {
	svc, _, _ := newTestService(t, approvedDriver("d1"), approvedDriver("d2"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{Start: at(9, 0), End: at(10, 0)})
	if _, err := svc.Transition(ctx, passenger, b.ID, ActionCancel, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Assign(ctx, admin, b.ID, "d1"); apperr.KindOf(err) != apperr.BookingClosed {
		t.Fatalf("expected BookingClosedError, got %v", err)
	}

	approved := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(11, 0), End: at(12, 0)})
	if _, err := svc.Transition(ctx, driver, approved.ID, ActionAccept, ""); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Assign(ctx, admin, approved.ID, "d2"); apperr.KindOf(err) != apperr.AlreadyAssigned {
		t.Fatalf("expected AlreadyAssignedError, got %v", err)
	}
}

func TestAssignAndApprove(t *testing.T) {
	svc, _, log := newTestService(t, approvedDriver("d1"))
	b := mustCreate(t, svc, passenger, CreateRequest{Start: at(9, 0), End: at(10, 0)})
	log.reset()

	got, err := svc.AssignAndApprove(context.Background(), admin, b.ID, "d1")
	if err != nil {
		t.Fatalf("assign and approve: %v", err)
	}
	if got.DriverID != "d1" || got.Status != models.StatusApproved || got.Version != 2 {
		t.Fatalf("expected a single approved write, got %+v", got)
	}
	evts := log.forBooking(b.ID)
	if len(evts) != 2 || evts[0].Type != models.EventBookingStatusChanged || evts[1].Type != models.EventDriverAssigned {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestConcurrentAssignExactlyOneWins(t *testing.T) {
	t.Run("assign", func(t *testing.T) { raceAssign(t, false) })
	t.Run("assign and approve", func(t *testing.T) { raceAssign(t, true) })
}

func raceAssign(t *testing.T, approve bool) {
	for round := 0; round < 20; round++ {
		svc, store, _ := newTestService(t, approvedDriver("A"), approvedDriver("B"))
		ctx := context.Background()
		b := mustCreate(t, svc, passenger, CreateRequest{Start: at(9, 0), End: at(10, 0)})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, d := range []string{"A", "B"} {
			wg.Add(1)
			go func(i int, d string) {
				defer wg.Done()
				if approve {
					_, errs[i] = svc.AssignAndApprove(ctx, admin, b.ID, d)
				} else {
					_, errs[i] = svc.Assign(ctx, admin, b.ID, d)
				}
			}(i, d)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case apperr.KindOf(err) != apperr.AlreadyAssigned:
				t.Fatalf("loser should see AlreadyAssignedError, got %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
		}
		stored, _ := store.GetBooking(ctx, b.ID)
		if stored.DriverID != "A" && stored.DriverID != "B" {
			t.Fatalf("unexpected driver %q", stored.DriverID)
		}
	}
}

func TestReleaseTwiceFails(t *testing.T) {
	svc, _, log := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{Start: at(9, 0), End: at(10, 0)})
	if _, err := svc.AssignAndApprove(ctx, admin, b.ID, "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	log.reset()

	got, err := svc.Release(ctx, admin, b.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.DriverID != "" || got.Status != models.StatusPending {
		t.Fatalf("release must clear driver and revert to pending: %+v", got)
	}
	evts := log.forBooking(b.ID)
	if len(evts) != 2 || evts[1].Type != models.EventDriverReleased || evts[1].DriverID != "d1" {
		t.Fatalf("unexpected events %+v", evts)
	}

	if _, err := svc.Release(ctx, admin, b.ID); apperr.KindOf(err) != apperr.ReleaseNotAllowed {
		t.Fatalf("second release: expected ReleaseNotAllowedError, got %v", err)
	}
}

func TestReleaseAfterStartFails(t *testing.T) {
	svc, _, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})
	for _, a := range []Action{ActionAccept, ActionStart} {
		if _, err := svc.Transition(ctx, driver, b.ID, a, ""); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	if _, err := svc.Release(ctx, driver, b.ID); apperr.KindOf(err) != apperr.ReleaseNotAllowed {
		t.Fatalf("expected ReleaseNotAllowedError, got %v", err)
	}
	if _, err := svc.Transition(ctx, driver, b.ID, ActionComplete, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.Release(ctx, admin, b.ID); apperr.KindOf(err) != apperr.ReleaseNotAllowed {
		t.Fatalf("expected ReleaseNotAllowedError on completed ride, got %v", err)
	}
}

func TestDriverReleasesOwnRideOnly(t *testing.T) {
	svc, _, _ := newTestService(t, approvedDriver("d1"))
	ctx := context.Background()
	b := mustCreate(t, svc, passenger, CreateRequest{DriverID: "d1", Start: at(9, 0), End: at(10, 0)})

	if _, err := svc.Release(ctx, other, b.ID); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if _, err := svc.Release(ctx, passenger, b.ID); apperr.KindOf(err) != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if _, err := svc.Release(ctx, driver, b.ID); err != nil {
		t.Fatalf("assigned driver release: %v", err)
	}
}
