package domain

import "time"

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// IsValid reports whether the interval has a strictly positive length.
func (i Interval) IsValid() bool {
	return i.End.After(i.Start)
}

// Overlaps reports whether two half-open intervals intersect. Touching
// endpoints do not overlap: a reservation ending at 10:00 is compatible
// with one starting at 10:00.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// FindConflict scans candidates for an Active reservation whose interval
// overlaps candidate, skipping the reservation identified by excludeID.
// Pass excludeID 0 when creating; pass the reservation's own ID when
// validating an update, otherwise every update would conflict with itself.
func FindConflict(candidates []Reservation, candidate Interval, excludeID int64) (Reservation, bool) {
	for _, existing := range candidates {
		if existing.ID == excludeID {
			continue
		}
		if existing.Status != StatusActive {
			continue
		}
		if candidate.Overlaps(existing.Interval()) {
			return existing, true
		}
	}
	return Reservation{}, false
}

// HasConflict reports whether candidate overlaps any other Active
// reservation in candidates.
func HasConflict(candidates []Reservation, candidate Interval, excludeID int64) bool {
	_, found := FindConflict(candidates, candidate, excludeID)
	return found
}
