// Package domain holds the pure scheduling rules: the reservation status
// machine, interval overlap semantics, and input validation. It has no
// storage or clock dependencies beyond an injectable now function.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/roomclerk/roomclerk/internal/platform/errors"
)

// Status describes the lifecycle state of a reservation.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusActive indicates a live reservation holding its interval.
	StatusActive
	// StatusCancelled indicates the creator withdrew the reservation.
	StatusCancelled
	// StatusArchived indicates the sweep retired the reservation.
	StatusArchived
)

var (
	// ErrInvalidInterval indicates an interval whose end is not after its start.
	ErrInvalidInterval = apperrors.New(apperrors.CodeReservationInvalidInterval, "reservation end must be after start")
	// ErrCapacityExceeded indicates more participants than the room holds.
	ErrCapacityExceeded = apperrors.New(apperrors.CodeReservationCapacityExceeded, "participant count exceeds room capacity")
	// ErrConflict indicates an overlapping active reservation on the same room.
	ErrConflict = apperrors.New(apperrors.CodeReservationConflict, "room is already reserved for this interval")
	// ErrForbidden indicates an actor other than the creator attempting a mutation.
	ErrForbidden = apperrors.New(apperrors.CodeReservationForbidden, "only the reservation creator may modify it")
	// ErrTerminal indicates a mutation attempted on a cancelled or archived reservation.
	ErrTerminal = apperrors.New(apperrors.CodeReservationTerminal, "reservation is in a terminal state")
	// ErrReservationNotFound indicates a missing reservation.
	ErrReservationNotFound = apperrors.New(apperrors.CodeReservationNotFound, "reservation not found")
)

// Reservation binds one room to a time interval and a creator/participant set.
type Reservation struct {
	ID     int64
	RoomID int64
	// CreatorID is the sole identity permitted to update or cancel.
	CreatorID int64
	// ParticipantIDs holds distinct participant identities, creator excluded.
	ParticipantIDs []int64
	StartAt        time.Time
	EndAt          time.Time
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Interval returns the reservation's half-open time range.
func (r Reservation) Interval() Interval {
	return Interval{Start: r.StartAt, End: r.EndAt}
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusArchived
}

// Transition applies a status change and bumps UpdatedAt. Any transition
// not in the table is rejected with ErrTerminal metadata rather than
// written through.
func Transition(reservation Reservation, target Status, now func() time.Time) (Reservation, error) {
	if now == nil {
		now = time.Now
	}
	if !isStatusTransitionAllowed(reservation.Status, target) {
		from := StatusLabel(reservation.Status)
		to := StatusLabel(target)
		return Reservation{}, apperrors.WithMetadata(
			apperrors.CodeReservationTerminal,
			fmt.Sprintf("reservation status transition not allowed: %s -> %s", from, to),
			map[string]string{"FromStatus": from, "ToStatus": to},
		)
	}
	updated := reservation
	updated.Status = target
	updated.UpdatedAt = now().UTC()
	return updated, nil
}

// isStatusTransitionAllowed reports whether a status transition is permitted.
// Cancelled reservations stay archivable so the sweep can retire them.
func isStatusTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusCancelled || to == StatusArchived
	case StatusCancelled:
		return to == StatusArchived
	default:
		return false
	}
}

// ValidateInterval checks the strict end-after-start requirement shared by
// the create and update paths.
func ValidateInterval(interval Interval) error {
	if !interval.IsValid() {
		return apperrors.WithMetadata(
			apperrors.CodeReservationInvalidInterval,
			"reservation end must be after start",
			map[string]string{
				"StartAt": interval.Start.UTC().Format(time.RFC3339),
				"EndAt":   interval.End.UTC().Format(time.RFC3339),
			},
		)
	}
	return nil
}

// ValidateCapacity checks the participant count against the room capacity.
func ValidateCapacity(participantCount, capacity int) error {
	if participantCount > capacity {
		return apperrors.WithMetadata(
			apperrors.CodeReservationCapacityExceeded,
			fmt.Sprintf("room holds %d participants, got %d", capacity, participantCount),
			map[string]string{
				"Capacity":         fmt.Sprintf("%d", capacity),
				"ParticipantCount": fmt.Sprintf("%d", participantCount),
			},
		)
	}
	return nil
}

// NormalizeParticipants deduplicates participant ids, drops the creator and
// non-positive ids, and returns the set in ascending order.
func NormalizeParticipants(participantIDs []int64, creatorID int64) []int64 {
	seen := make(map[int64]struct{}, len(participantIDs))
	normalized := make([]int64, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id <= 0 || id == creatorID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i] < normalized[j] })
	return normalized
}

// StatusLabel returns a stable label for a reservation status.
func StatusLabel(status Status) string {
	switch status {
	case StatusActive:
		return "ACTIVE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusArchived:
		return "ARCHIVED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel parses a string label into a Status. It trims whitespace
// and matches case-insensitively.
func StatusFromLabel(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return StatusUnspecified, fmt.Errorf("reservation status is required")
	}
	switch strings.ToUpper(trimmed) {
	case "ACTIVE":
		return StatusActive, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "ARCHIVED":
		return StatusArchived, nil
	default:
		return StatusUnspecified, fmt.Errorf("unknown reservation status: %s", trimmed)
	}
}
