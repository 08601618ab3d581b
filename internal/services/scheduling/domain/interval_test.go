package domain

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, time.January, 1, hour, minute, 0, 0, time.UTC)
}

func TestIntervalOverlaps(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		a    Interval
		b    Interval
		want bool
	}{
		{
			name: "identical intervals overlap",
			a:    Interval{Start: at(9, 0), End: at(10, 0)},
			b:    Interval{Start: at(9, 0), End: at(10, 0)},
			want: true,
		},
		{
			name: "partial overlap",
			a:    Interval{Start: at(9, 0), End: at(10, 0)},
			b:    Interval{Start: at(9, 30), End: at(10, 30)},
			want: true,
		},
		{
			name: "containment overlaps",
			a:    Interval{Start: at(9, 0), End: at(12, 0)},
			b:    Interval{Start: at(10, 0), End: at(11, 0)},
			want: true,
		},
		{
			name: "touching endpoints do not overlap",
			a:    Interval{Start: at(9, 0), End: at(10, 0)},
			b:    Interval{Start: at(10, 0), End: at(11, 0)},
			want: false,
		},
		{
			name: "touching endpoints reversed order",
			a:    Interval{Start: at(10, 0), End: at(11, 0)},
			b:    Interval{Start: at(9, 0), End: at(10, 0)},
			want: false,
		},
		{
			name: "disjoint intervals",
			a:    Interval{Start: at(9, 0), End: at(10, 0)},
			b:    Interval{Start: at(14, 0), End: at(15, 0)},
			want: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.a.Overlaps(tc.b); got != tc.want {
				t.Fatalf("Overlaps = %t, want %t", got, tc.want)
			}
			// The predicate is symmetric.
			if got := tc.b.Overlaps(tc.a); got != tc.want {
				t.Fatalf("reverse Overlaps = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestIntervalIsValid(t *testing.T) {
	t.Parallel()

	if (Interval{Start: at(9, 0), End: at(9, 0)}).IsValid() {
		t.Fatal("zero-length interval should be invalid")
	}
	if (Interval{Start: at(10, 0), End: at(9, 0)}).IsValid() {
		t.Fatal("inverted interval should be invalid")
	}
	if !(Interval{Start: at(9, 0), End: at(9, 1)}).IsValid() {
		t.Fatal("positive-length interval should be valid")
	}
}

func TestFindConflictSkipsSelfAndNonActive(t *testing.T) {
	t.Parallel()

	candidates := []Reservation{
		{ID: 1, Status: StatusActive, StartAt: at(9, 0), EndAt: at(10, 0)},
		{ID: 2, Status: StatusCancelled, StartAt: at(10, 0), EndAt: at(11, 0)},
		{ID: 3, Status: StatusArchived, StartAt: at(11, 0), EndAt: at(12, 0)},
	}

	// A cancelled or archived reservation never blocks the interval.
	if HasConflict(candidates, Interval{Start: at(10, 0), End: at(12, 0)}, 0) {
		t.Fatal("expected no conflict against non-active reservations")
	}

	// The active reservation blocks overlapping candidates...
	conflict, found := FindConflict(candidates, Interval{Start: at(9, 30), End: at(10, 30)}, 0)
	if !found {
		t.Fatal("expected conflict with active reservation")
	}
	if conflict.ID != 1 {
		t.Fatalf("conflict id = %d, want 1", conflict.ID)
	}

	// ...unless it is the reservation being updated.
	if HasConflict(candidates, Interval{Start: at(9, 30), End: at(10, 30)}, 1) {
		t.Fatal("expected self-exclusion to suppress the conflict")
	}
}
