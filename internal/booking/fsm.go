package booking

import (
	"github.com/example/oku-ride/internal/apperr"
	"github.com/example/oku-ride/internal/models"
)

type Action string

const (
	ActionAccept   Action = "accept"
	ActionDecline  Action = "decline"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionOverride Action = "override"
)

type rule struct {
	from []models.BookingStatus
	to   models.BookingStatus
	// byDriver actions belong to the assigned driver; the rest to the owning
	// passenger or an admin.
	byDriver bool
	// clearsDriver releases the assignment in the same write.
	clearsDriver bool
}

var transitions = map[Action]rule{
	ActionAccept:   {from: []models.BookingStatus{models.StatusPending}, to: models.StatusApproved, byDriver: true},
	ActionDecline:  {from: []models.BookingStatus{models.StatusPending}, to: models.StatusRejected, byDriver: true, clearsDriver: true},
	ActionStart:    {from: []models.BookingStatus{models.StatusApproved}, to: models.StatusInProgress, byDriver: true},
	ActionComplete: {from: []models.BookingStatus{models.StatusInProgress}, to: models.StatusCompleted, byDriver: true},
	ActionCancel:   {from: []models.BookingStatus{models.StatusPending, models.StatusApproved}, to: models.StatusCancelled, clearsDriver: true},
}

// needsDriver lists statuses that only make sense with a driver attached.
func needsDriver(s models.BookingStatus) bool {
	return s == models.StatusApproved || s == models.StatusInProgress || s == models.StatusCompleted
}

// apply validates action against b for actor and mutates b in place. b is a
// private copy; the caller persists it.
func apply(actor models.Actor, b *models.Booking, action Action, target models.BookingStatus) error {
	if b.Status.Terminal() {
		return apperr.New(apperr.BookingClosed, "booking %s is %s and cannot change", b.ID, b.Status)
	}
	if action == ActionOverride {
		return override(actor, b, target)
	}

	r, ok := transitions[action]
	if !ok {
		return apperr.New(apperr.InvalidInput, "unknown action %q", action)
	}
	if err := authorize(actor, b, r); err != nil {
		return err
	}
	if !allowedFrom(r, b.Status) {
		return apperr.New(apperr.InvalidTransition, "cannot %s booking %s: current status %s, requested %s", action, b.ID, b.Status, r.to)
	}
	b.Status = r.to
	if r.clearsDriver {
		b.DriverID = ""
	}
	return nil
}

func authorize(actor models.Actor, b *models.Booking, r rule) error {
	if r.byDriver {
		if actor.Role != models.RoleDriver || b.DriverID == "" || actor.ID != b.DriverID {
			return apperr.New(apperr.Forbidden, "only the assigned driver may do this")
		}
		return nil
	}
	if actor.IsAdmin() || (actor.Role == models.RolePassenger && actor.ID == b.PassengerID) {
		return nil
	}
	return apperr.New(apperr.Forbidden, "only the passenger or an admin may do this")
}

func allowedFrom(r rule, s models.BookingStatus) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

func override(actor models.Actor, b *models.Booking, target models.BookingStatus) error {
	if !actor.IsAdmin() {
		return apperr.New(apperr.Forbidden, "override requires an admin")
	}
	if !target.Valid() {
		return apperr.New(apperr.InvalidInput, "override needs a valid target status, got %q", target)
	}
	if target == b.Status {
		return apperr.New(apperr.InvalidTransition, "booking %s is already %s", b.ID, target)
	}
	if needsDriver(target) && b.DriverID == "" {
		return apperr.New(apperr.InvalidTransition, "cannot move booking %s from %s to %s without an assigned driver", b.ID, b.Status, target)
	}
	b.Status = target
	if target == models.StatusCancelled || target == models.StatusRejected {
		b.DriverID = ""
	}
	return nil
}
