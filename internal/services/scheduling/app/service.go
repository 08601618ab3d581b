// Package app orchestrates scheduling use-cases over the storage contract:
// room catalog CRUD, the reservation lifecycle, and the archival sweep.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/roomclerk/roomclerk/internal/platform/errors"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/notify"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage"
)

// EventDispatcher receives lifecycle events after successful writes.
type EventDispatcher interface {
	Dispatch(eventType notify.EventType, reservation domain.Reservation)
}

// Service exposes the scheduling engine's use-cases. All conflict decisions
// happen inside a per-room critical section so two concurrent creates for
// the same interval admit exactly one winner.
type Service struct {
	store  storage.Store
	events EventDispatcher
	now    func() time.Time
	tracer trace.Tracer

	mu        sync.Mutex
	roomLocks map[int64]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDispatcher attaches a lifecycle event dispatcher.
func WithDispatcher(events EventDispatcher) Option {
	return func(s *Service) {
		s.events = events
	}
}

// NewService constructs the scheduling service over a store.
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		now:       time.Now,
		tracer:    otel.Tracer("roomclerk/scheduling"),
		roomLocks: make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockRoom serializes conflict checks and writes for one room. The returned
// function releases the lock.
func (s *Service) lockRoom(roomID int64) func() {
	s.mu.Lock()
	lock, ok := s.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.roomLocks[roomID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Service) emit(eventType notify.EventType, reservation domain.Reservation) {
	if s.events == nil {
		return
	}
	s.events.Dispatch(eventType, reservation)
}

// CreateRoom registers a bookable room.
func (s *Service) CreateRoom(ctx context.Context, input domain.CreateRoomInput) (domain.Room, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CreateRoom")
	defer span.End()

	normalized, err := domain.NormalizeCreateRoomInput(input)
	if err != nil {
		return domain.Room{}, err
	}
	now := s.now().UTC()
	room, err := s.store.CreateRoom(ctx, domain.Room{
		Name:        normalized.Name,
		Capacity:    normalized.Capacity,
		Location:    normalized.Location,
		Description: normalized.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// GetRoom fetches one room by id.
func (s *Service) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.GetRoom")
	defer span.End()

	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Room{}, roomNotFound(id)
		}
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// ListRooms lists the room catalog.
func (s *Service) ListRooms(ctx context.Context) ([]domain.Room, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ListRooms")
	defer span.End()

	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// UpdateRoom applies a partial update to a room.
func (s *Service) UpdateRoom(ctx context.Context, id int64, patch domain.RoomPatch) (domain.Room, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.UpdateRoom")
	defer span.End()

	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Room{}, roomNotFound(id)
		}
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	updated, err := domain.ApplyRoomPatch(room, patch, s.now)
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.store.UpdateRoom(ctx, updated); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Room{}, roomNotFound(id)
		}
		return domain.Room{}, fmt.Errorf("update room: %w", err)
	}
	return updated, nil
}

// DeleteRoom removes a room. Existing reservations keep their room id;
// whether to cancel them first is caller policy.
func (s *Service) DeleteRoom(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "scheduling.DeleteRoom")
	defer span.End()

	if err := s.store.DeleteRoom(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return roomNotFound(id)
		}
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// CreateReservationInput describes a reservation request.
type CreateReservationInput struct {
	RoomID         int64
	CreatorID      int64
	ParticipantIDs []int64
	StartAt        time.Time
	EndAt          time.Time
}

// CreateReservation books a room for an interval. Checks run in a fixed
// order: room existence, interval validity, overlap, capacity.
func (s *Service) CreateReservation(ctx context.Context, input CreateReservationInput) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.CreateReservation")
	defer span.End()

	room, err := s.store.GetRoom(ctx, input.RoomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Reservation{}, roomNotFound(input.RoomID)
		}
		return domain.Reservation{}, fmt.Errorf("get room: %w", err)
	}

	interval := domain.Interval{Start: input.StartAt.UTC(), End: input.EndAt.UTC()}
	if err := domain.ValidateInterval(interval); err != nil {
		return domain.Reservation{}, err
	}
	participants := domain.NormalizeParticipants(input.ParticipantIDs, input.CreatorID)

	unlock := s.lockRoom(input.RoomID)
	defer unlock()

	candidates, err := s.store.ListForRoom(ctx, input.RoomID, false)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("list reservations: %w", err)
	}
	if conflict, found := domain.FindConflict(candidates, interval, 0); found {
		return domain.Reservation{}, conflictError(conflict)
	}
	if err := domain.ValidateCapacity(len(participants), room.Capacity); err != nil {
		return domain.Reservation{}, err
	}

	now := s.now().UTC()
	created, err := s.store.CreateReservation(ctx, domain.Reservation{
		RoomID:         input.RoomID,
		CreatorID:      input.CreatorID,
		ParticipantIDs: participants,
		StartAt:        interval.Start,
		EndAt:          interval.End,
		Status:         domain.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("create reservation: %w", err)
	}
	s.emit(notify.EventReservationCreated, created)
	return created, nil
}

// ReservationPatch carries a partial reservation update; nil fields keep
// their stored values.
type ReservationPatch struct {
	StartAt        *time.Time
	EndAt          *time.Time
	ParticipantIDs *[]int64
}

// UpdateReservation reschedules a reservation or replaces its participant
// set. Only the creator may update; terminal reservations are immutable.
// When the interval changes the overlap scan re-runs with the reservation
// excluded from its own candidates.
func (s *Service) UpdateReservation(ctx context.Context, actorID, id int64, patch ReservationPatch) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.UpdateReservation")
	defer span.End()

	located, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Reservation{}, reservationNotFound(id)
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}

	unlock := s.lockRoom(located.RoomID)
	defer unlock()

	// Re-read under the room lock: a cancel or the archive sweep may have
	// reached a terminal state since the lookup above.
	reservation, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Reservation{}, reservationNotFound(id)
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if reservation.CreatorID != actorID {
		return domain.Reservation{}, domain.ErrForbidden
	}
	if reservation.Status.IsTerminal() {
		return domain.Reservation{}, domain.ErrTerminal
	}

	merged := reservation
	intervalChanged := false
	if patch.StartAt != nil {
		merged.StartAt = patch.StartAt.UTC()
		intervalChanged = true
	}
	if patch.EndAt != nil {
		merged.EndAt = patch.EndAt.UTC()
		intervalChanged = true
	}
	if intervalChanged {
		if err := domain.ValidateInterval(merged.Interval()); err != nil {
			return domain.Reservation{}, err
		}
	}
	if patch.ParticipantIDs != nil {
		participants := domain.NormalizeParticipants(*patch.ParticipantIDs, reservation.CreatorID)
		room, err := s.store.GetRoom(ctx, reservation.RoomID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.Reservation{}, roomNotFound(reservation.RoomID)
			}
			return domain.Reservation{}, fmt.Errorf("get room: %w", err)
		}
		if err := domain.ValidateCapacity(len(participants), room.Capacity); err != nil {
			return domain.Reservation{}, err
		}
		merged.ParticipantIDs = participants
	}

	if intervalChanged {
		candidates, err := s.store.ListForRoom(ctx, reservation.RoomID, false)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("list reservations: %w", err)
		}
		if conflict, found := domain.FindConflict(candidates, merged.Interval(), reservation.ID); found {
			return domain.Reservation{}, conflictError(conflict)
		}
	}

	merged.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateReservation(ctx, merged, domain.StatusActive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Reservation{}, reservationNotFound(id)
		}
		if errors.Is(err, storage.ErrStaleStatus) {
			return domain.Reservation{}, domain.ErrTerminal
		}
		return domain.Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	s.emit(notify.EventReservationUpdated, merged)
	return merged, nil
}

// CancelReservation withdraws an active reservation. Missing, foreign, and
// already-terminal reservations each fail with their own error.
func (s *Service) CancelReservation(ctx context.Context, actorID, id int64) error {
	ctx, span := s.tracer.Start(ctx, "scheduling.CancelReservation")
	defer span.End()

	reservation, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reservationNotFound(id)
		}
		return fmt.Errorf("get reservation: %w", err)
	}
	if reservation.CreatorID != actorID {
		return domain.ErrForbidden
	}
	cancelled, err := domain.Transition(reservation, domain.StatusCancelled, s.now)
	if err != nil {
		return err
	}
	// Compare-and-set on the status read above: of two racing cancels, or a
	// cancel racing the archive sweep, the loser gets the terminal error.
	if err := s.store.UpdateReservation(ctx, cancelled, reservation.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reservationNotFound(id)
		}
		if errors.Is(err, storage.ErrStaleStatus) {
			return domain.ErrTerminal
		}
		return fmt.Errorf("cancel reservation: %w", err)
	}
	s.emit(notify.EventReservationCancelled, cancelled)
	return nil
}

// GetReservation fetches one reservation by id.
func (s *Service) GetReservation(ctx context.Context, id int64) (domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.GetReservation")
	defer span.End()

	reservation, err := s.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Reservation{}, reservationNotFound(id)
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return reservation, nil
}

// ListReservationsForRoom lists a room's reservations ordered by start.
// Cancelled reservations appear only when history is requested; archived
// ones never do.
func (s *Service) ListReservationsForRoom(ctx context.Context, roomID int64, includeHistory bool) ([]domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ListReservationsForRoom")
	defer span.End()

	reservations, err := s.store.ListForRoom(ctx, roomID, includeHistory)
	if err != nil {
		return nil, fmt.Errorf("list reservations for room: %w", err)
	}
	return reservations, nil
}

// ListReservationsForUser lists reservations where the user is creator or
// participant, archived excluded.
func (s *Service) ListReservationsForUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ListReservationsForUser")
	defer span.End()

	reservations, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list reservations for user: %w", err)
	}
	return reservations, nil
}

// ListReservations lists every reservation matching an optional filter
// expression, archived included.
func (s *Service) ListReservations(ctx context.Context, filterExpr string) ([]domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ListReservations")
	defer span.End()

	reservations, err := s.store.ListReservations(ctx, filterExpr)
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// ListArchiveCandidates previews which reservations a sweep at the given
// threshold would archive.
func (s *Service) ListArchiveCandidates(ctx context.Context, threshold time.Time) ([]domain.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ListArchiveCandidates")
	defer span.End()

	candidates, err := s.store.ListArchiveCandidates(ctx, threshold.UTC())
	if err != nil {
		return nil, fmt.Errorf("list archive candidates: %w", err)
	}
	return candidates, nil
}

// ArchiveOlderThan retires every active or cancelled reservation that ended
// strictly before threshold and returns how many were archived. Events are
// emitted only for rows flipped by this call, so a re-run stays silent.
func (s *Service) ArchiveOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.ArchiveOlderThan")
	defer span.End()

	archived, err := s.store.ArchiveOlderThan(ctx, threshold.UTC(), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("archive reservations: %w", err)
	}
	for _, reservation := range archived {
		s.emit(notify.EventReservationArchived, reservation)
	}
	return len(archived), nil
}

func roomNotFound(id int64) error {
	return apperrors.WithMetadata(
		apperrors.CodeRoomNotFound,
		"room not found",
		map[string]string{"RoomID": strconv.FormatInt(id, 10)},
	)
}

func reservationNotFound(id int64) error {
	return apperrors.WithMetadata(
		apperrors.CodeReservationNotFound,
		"reservation not found",
		map[string]string{"ReservationID": strconv.FormatInt(id, 10)},
	)
}

func conflictError(conflict domain.Reservation) error {
	return apperrors.WithMetadata(
		apperrors.CodeReservationConflict,
		"room is already reserved for this interval",
		map[string]string{
			"ConflictingReservationID": strconv.FormatInt(conflict.ID, 10),
			"ConflictStartAt":          conflict.StartAt.UTC().Format(time.RFC3339),
			"ConflictEndAt":            conflict.EndAt.UTC().Format(time.RFC3339),
		},
	)
}
