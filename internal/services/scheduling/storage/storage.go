// Package storage defines persistence contracts for scheduling state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrStaleStatus indicates a lifecycle write lost a race: the stored status
// no longer matches the status the caller read before writing.
var ErrStaleStatus = errors.New("reservation status changed")

// RoomStore persists the room catalog.
type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error)
	GetRoom(ctx context.Context, id int64) (domain.Room, error)
	ListRooms(ctx context.Context) ([]domain.Room, error)
	UpdateRoom(ctx context.Context, room domain.Room) error
	DeleteRoom(ctx context.Context, id int64) error
}

// ReservationStore persists reservations and their participant sets.
type ReservationStore interface {
	// CreateReservation inserts the reservation and its participant rows in
	// one transaction and returns the stored record with its assigned id.
	CreateReservation(ctx context.Context, reservation domain.Reservation) (domain.Reservation, error)
	GetReservation(ctx context.Context, id int64) (domain.Reservation, error)
	// UpdateReservation writes the full row and replaces the participant
	// set atomically; partial writes are not possible. The write is a
	// compare-and-set on expectedStatus: when the stored status no longer
	// matches it, nothing is written and ErrStaleStatus is returned, so a
	// concurrent cancel or archive sweep can never be overwritten.
	UpdateReservation(ctx context.Context, reservation domain.Reservation, expectedStatus domain.Status) error
	// ListForRoom returns the room's non-archived reservations ordered by
	// start time. Cancelled reservations are included only when history is
	// requested.
	ListForRoom(ctx context.Context, roomID int64, includeCancelled bool) ([]domain.Reservation, error)
	// ListForUser returns reservations where the user is creator or
	// participant, excluding archived ones.
	ListForUser(ctx context.Context, userID int64) ([]domain.Reservation, error)
	// ListReservations returns all reservations matching an optional
	// AIP-160 filter expression; an empty expression matches everything,
	// archived included.
	ListReservations(ctx context.Context, filterExpr string) ([]domain.Reservation, error)
	// ListArchiveCandidates returns active or cancelled reservations whose
	// end timestamp is strictly before threshold.
	ListArchiveCandidates(ctx context.Context, threshold time.Time) ([]domain.Reservation, error)
	// ArchiveOlderThan flips every archive candidate to archived in one
	// transaction and returns the flipped rows, so a re-run returns an
	// empty slice and side effects are never doubled.
	ArchiveOlderThan(ctx context.Context, threshold time.Time, now time.Time) ([]domain.Reservation, error)
}

// Store combines the scheduling persistence contracts.
type Store interface {
	RoomStore
	ReservationStore
	Close() error
}
