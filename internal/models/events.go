package models

import "time"

type EventType string

const (
	EventBookingStatusChanged EventType = "booking_status_changed"
	EventDriverAssigned       EventType = "driver_assigned"
	EventDriverReleased       EventType = "driver_released"
	EventLocationUpdated      EventType = "location_updated"
)

const RoomAdmin = "admin"

func RoomRide(id string) string      { return "ride_" + id }
func RoomPassenger(id string) string { return "passenger_" + id }
func RoomDriver(id string) string    { return "driver_" + id }

type LocationUpdate struct {
	Ping       LocationPing `json:"ping"`
	ETAMinutes *int         `json:"eta_minutes"`
}

type Event struct {
	Type        EventType       `json:"type"`
	BookingID   string          `json:"booking_id,omitempty"`
	PassengerID string          `json:"passenger_id,omitempty"`
	DriverID    string          `json:"driver_id,omitempty"`
	OldStatus   BookingStatus   `json:"old_status,omitempty"`
	NewStatus   BookingStatus   `json:"new_status,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Location    *LocationUpdate `json:"location,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Rooms lists every realtime room that should receive the event.
func (e Event) Rooms() []string {
	rooms := []string{RoomAdmin}
	if e.BookingID != "" {
		rooms = append(rooms, RoomRide(e.BookingID))
	}
	if e.PassengerID != "" {
		rooms = append(rooms, RoomPassenger(e.PassengerID))
	}
	if e.DriverID != "" {
		rooms = append(rooms, RoomDriver(e.DriverID))
	}
	return rooms
}
