// Package eta estimates straight-line arrival times in whole minutes.
package eta

import (
	"math"

	"github.com/example/oku-ride/internal/geo"
	"github.com/example/oku-ride/internal/models"
)

// DefaultFallbackKmh is the assumed speed when the device reports none.
const DefaultFallbackKmh = 30.0

type Estimator struct {
	FallbackKmh float64
}

func New(fallbackKmh float64) *Estimator {
	if fallbackKmh <= 0 {
		fallbackKmh = DefaultFallbackKmh
	}
	return &Estimator{FallbackKmh: fallbackKmh}
}

// Seconds is distance over speed. speedMps <= 0 uses the fallback speed.
func (e *Estimator) Seconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 || math.IsNaN(speedMps) || math.IsInf(speedMps, 0) {
		speedMps = e.fallbackMps()
	}
	return geo.Distance(from, to) / speedMps
}

// Minutes rounds Seconds to the nearest whole minute, never below zero.
func (e *Estimator) Minutes(from, to models.Coord, speedMps float64) int {
	m := int(math.Round(e.Seconds(from, to, speedMps) / 60))
	if m < 0 {
		return 0
	}
	return m
}

// ForBooking estimates how long the pinging driver needs to reach the
// booking's current target. It returns nil when the booking has no target
// coordinate or is no longer active.
func (e *Estimator) ForBooking(p models.LocationPing, b *models.Booking) *int {
	if b == nil || !b.Status.Active() {
		return nil
	}
	target := b.Target()
	if target == nil {
		return nil
	}
	m := e.Minutes(p.Coord(), *target, p.Speed)
	return &m
}

func (e *Estimator) fallbackMps() float64 {
	kmh := e.FallbackKmh
	if kmh <= 0 {
		kmh = DefaultFallbackKmh
	}
	return kmh * 1000 / 3600
}
