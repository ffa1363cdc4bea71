package models

import "time"

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusApproved   BookingStatus = "approved"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusRejected   BookingStatus = "rejected"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusInProgress, StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Terminal statuses never change again.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Active statuses hold a slot in the driver's schedule.
func (s BookingStatus) Active() bool {
	return s == StatusPending || s == StatusApproved || s == StatusInProgress
}

// ActiveStatuses lists the statuses that participate in conflict detection.
var ActiveStatuses = []BookingStatus{StatusPending, StatusApproved, StatusInProgress}

type Booking struct {
	ID                  string        `json:"id"`
	PassengerID         string        `json:"passenger_id"`
	DriverID            string        `json:"driver_id,omitempty"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	Pickup              Place         `json:"pickup"`
	Dropoff             Place         `json:"dropoff"`
	BookingType         string        `json:"booking_type,omitempty"`
	Purpose             string        `json:"purpose,omitempty"`
	SpecialInstructions string        `json:"special_instructions,omitempty"`
	Status              BookingStatus `json:"status"`
	Version             int64         `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.Pickup.Coord != nil {
		pc := *b.Pickup.Coord
		c.Pickup.Coord = &pc
	}
	if b.Dropoff.Coord != nil {
		dc := *b.Dropoff.Coord
		c.Dropoff.Coord = &dc
	}
	return &c
}

// Target is the coordinate a driver is heading to for this booking: the pickup
// until the trip starts, then the dropoff.
func (b *Booking) Target() *Coord {
	if b.Status == StatusInProgress {
		return b.Dropoff.Coord
	}
	return b.Pickup.Coord
}

// BookingFilter narrows List queries. Empty fields match everything.
type BookingFilter struct {
	PassengerID string
	DriverID    string
	Status      BookingStatus
}

func (f BookingFilter) Match(b *Booking) bool {
	if f.PassengerID != "" && b.PassengerID != f.PassengerID {
		return false
	}
	if f.DriverID != "" && b.DriverID != f.DriverID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}
