// Package schedule detects overlapping time ranges in a driver's schedule.
// Ranges are half-open: [Start, End).
package schedule

import (
	"time"

	"github.com/example/oku-ride/internal/apperr"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return apperr.New(apperr.InvalidRange, "start and end are required")
	}
	if !iv.Start.Before(iv.End) {
		return apperr.New(apperr.InvalidRange, "start %s must be before end %s",
			iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports whether two half-open ranges share any instant. Ranges that
// only touch at an endpoint do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// HasConflict checks candidate against the driver's existing active ranges.
func HasConflict(candidate Interval, existing []Interval) (bool, error) {
	if err := candidate.Validate(); err != nil {
		return false, err
	}
	for _, iv := range existing {
		if candidate.Overlaps(iv) {
			return true, nil
		}
	}
	return false, nil
}

// FirstConflict is HasConflict that also returns the clashing range.
func FirstConflict(candidate Interval, existing []Interval) (Interval, bool, error) {
	if err := candidate.Validate(); err != nil {
		return Interval{}, false, err
	}
	for _, iv := range existing {
		if candidate.Overlaps(iv) {
			return iv, true, nil
		}
	}
	return Interval{}, false, nil
}
