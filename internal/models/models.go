package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a pickup or dropoff descriptor. Label is free text; Coord is optional
// and required only for ETA and candidate ranking.
type Place struct {
	Label string `json:"label,omitempty"`
	Coord *Coord `json:"coord,omitempty"`
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePassenger, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type Approval string

const (
	ApprovalPending  Approval = "pending"
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

func (a Approval) Valid() bool {
	switch a {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

type Driver struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	VehicleType   string    `json:"vehicle_type,omitempty"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	Approval      Approval  `json:"approval"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (d *Driver) Eligible() bool { return d.Approval == ApprovalApproved }

// LocationPing is a single GPS report from a driver device. Speed is in metres
// per second as reported by the device; zero means unknown.
type LocationPing struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     float64   `json:"speed,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p LocationPing) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }
