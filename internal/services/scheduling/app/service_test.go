package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/roomclerk/roomclerk/internal/platform/errors"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/notify"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage/sqlite"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.EventType
	ids    []int64
}

func (d *recordingDispatcher) Dispatch(eventType notify.EventType, reservation domain.Reservation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, eventType)
	d.ids = append(d.ids, reservation.ID)
}

func (d *recordingDispatcher) recorded() []notify.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.EventType(nil), d.events...)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingDispatcher) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "scheduling.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	dispatcher := &recordingDispatcher{}
	opts = append([]Option{WithClock(fixedNow), WithDispatcher(dispatcher)}, opts...)
	return NewService(store, opts...), dispatcher
}

func fixedNow() time.Time {
	return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
}

func at(hour, minute int) time.Time {
	return time.Date(2025, time.January, 1, hour, minute, 0, 0, time.UTC)
}

func mustCreateRoom(t *testing.T, service *Service, capacity int) domain.Room {
	t.Helper()
	room, err := service.CreateRoom(context.Background(), domain.CreateRoomInput{
		Name:     "War Room",
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func mustReserve(t *testing.T, service *Service, roomID, creatorID int64, start, end time.Time, participants ...int64) domain.Reservation {
	t.Helper()
	reservation, err := service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:         roomID,
		CreatorID:      creatorID,
		ParticipantIDs: participants,
		StartAt:        start,
		EndAt:          end,
	})
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return reservation
}

func TestCreateRoomValidation(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	if _, err := service.CreateRoom(context.Background(), domain.CreateRoomInput{Name: "  ", Capacity: 3}); !errors.Is(err, domain.ErrRoomNameEmpty) {
		t.Fatalf("blank name error = %v, want %v", err, domain.ErrRoomNameEmpty)
	}
	if _, err := service.CreateRoom(context.Background(), domain.CreateRoomInput{Name: "Alpha", Capacity: 0}); !errors.Is(err, domain.ErrRoomInvalidCapacity) {
		t.Fatalf("zero capacity error = %v, want %v", err, domain.ErrRoomInvalidCapacity)
	}
}

func TestUpdateRoomPatch(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)

	name := "Situation Room"
	updated, err := service.UpdateRoom(context.Background(), room.ID, domain.RoomPatch{Name: &name})
	if err != nil {
		t.Fatalf("update room: %v", err)
	}
	if updated.Name != name || updated.Capacity != 4 {
		t.Fatalf("updated room = %+v", updated)
	}

	zero := 0
	if _, err := service.UpdateRoom(context.Background(), room.ID, domain.RoomPatch{Capacity: &zero}); !errors.Is(err, domain.ErrRoomInvalidCapacity) {
		t.Fatalf("capacity patch error = %v, want %v", err, domain.ErrRoomInvalidCapacity)
	}

	if _, err := service.UpdateRoom(context.Background(), 404, domain.RoomPatch{Name: &name}); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("missing room error = %v, want %v", err, domain.ErrRoomNotFound)
	}
}

func TestCreateReservationValidationOrder(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 2)
	mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	// Missing room wins over an invalid interval.
	_, err := service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:    404,
		CreatorID: 1,
		StartAt:   at(10, 0),
		EndAt:     at(9, 0),
	})
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("error = %v, want %v", err, domain.ErrRoomNotFound)
	}

	// Invalid interval wins over overlap.
	_, err = service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:    room.ID,
		CreatorID: 1,
		StartAt:   at(9, 30),
		EndAt:     at(9, 30),
	})
	if !errors.Is(err, domain.ErrInvalidInterval) {
		t.Fatalf("error = %v, want %v", err, domain.ErrInvalidInterval)
	}

	// Overlap wins over capacity.
	_, err = service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:         room.ID,
		CreatorID:      2,
		ParticipantIDs: []int64{3, 4, 5},
		StartAt:        at(9, 30),
		EndAt:          at(10, 30),
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("error = %v, want %v", err, domain.ErrConflict)
	}

	// Capacity is checked last.
	_, err = service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:         room.ID,
		CreatorID:      2,
		ParticipantIDs: []int64{3, 4, 5},
		StartAt:        at(11, 0),
		EndAt:          at(12, 0),
	})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("error = %v, want %v", err, domain.ErrCapacityExceeded)
	}
}

func TestCreateReservationConflictMetadata(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	existing := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	_, err := service.CreateReservation(context.Background(), CreateReservationInput{
		RoomID:    room.ID,
		CreatorID: 2,
		StartAt:   at(9, 30),
		EndAt:     at(10, 30),
	})
	var coded *apperrors.Error
	if !errors.As(err, &coded) {
		t.Fatalf("error = %v, want coded conflict", err)
	}
	if coded.Metadata["ConflictingReservationID"] == "" {
		t.Fatalf("conflict metadata = %v, want conflicting id %d", coded.Metadata, existing.ID)
	}
}

func TestCreateReservationTouchingIntervalsAllowed(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))
	mustReserve(t, service, room.ID, 2, at(10, 0), at(11, 0))
}

func TestCreateReservationNormalizesParticipants(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 3)
	reservation := mustReserve(t, service, room.ID, 7, at(9, 0), at(10, 0), 7, 3, 3, 0, -1, 2)
	if len(reservation.ParticipantIDs) != 2 || reservation.ParticipantIDs[0] != 2 || reservation.ParticipantIDs[1] != 3 {
		t.Fatalf("participants = %v, want [2 3]", reservation.ParticipantIDs)
	}
}

func TestConcurrentCreatesAdmitOneWinner(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = service.CreateReservation(context.Background(), CreateReservationInput{
				RoomID:    room.ID,
				CreatorID: int64(i + 1),
				StartAt:   at(9, 0),
				EndAt:     at(10, 0),
			})
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

// sweepOnWriteStore runs one archive sweep right before the first lifecycle
// write, the way a concurrent archiver process would commit in the gap
// between the service's checks and its write.
type sweepOnWriteStore struct {
	*sqlite.Store
	threshold time.Time
	once      sync.Once
}

func (s *sweepOnWriteStore) UpdateReservation(ctx context.Context, reservation domain.Reservation, expectedStatus domain.Status) error {
	s.once.Do(func() {
		_, _ = s.Store.ArchiveOlderThan(ctx, s.threshold, time.Now().UTC())
	})
	return s.Store.UpdateReservation(ctx, reservation, expectedStatus)
}

func newSweepRacingService(t *testing.T, threshold time.Time) *Service {
	t.Helper()
	inner, err := sqlite.Open(filepath.Join(t.TempDir(), "scheduling.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })
	return NewService(&sweepOnWriteStore{Store: inner, threshold: threshold}, WithClock(fixedNow))
}

func TestUpdateReservationLosesToArchiveSweep(t *testing.T) {
	t.Parallel()

	service := newSweepRacingService(t, at(12, 0))
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	start, end := at(13, 0), at(14, 0)
	_, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{StartAt: &start, EndAt: &end})
	if !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("error = %v, want %v", err, domain.ErrTerminal)
	}

	got, err := service.GetReservation(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if got.Status != domain.StatusArchived {
		t.Fatalf("status = %v, want archived to survive the racing update", got.Status)
	}
	if !got.StartAt.Equal(at(9, 0)) || !got.EndAt.Equal(at(10, 0)) {
		t.Fatalf("interval = [%v, %v), want the archived interval untouched", got.StartAt, got.EndAt)
	}
}

func TestCancelReservationLosesToArchiveSweep(t *testing.T) {
	t.Parallel()

	service := newSweepRacingService(t, at(12, 0))
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	err := service.CancelReservation(context.Background(), 1, reservation.ID)
	if !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("error = %v, want %v", err, domain.ErrTerminal)
	}

	got, err := service.GetReservation(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if got.Status != domain.StatusArchived {
		t.Fatalf("status = %v, want archived to survive the racing cancel", got.Status)
	}
}

func TestConcurrentCancelsAdmitOneWinner(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	const attempts = 2
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = service.CancelReservation(context.Background(), 1, reservation.ID)
		}()
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrTerminal):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("winners = %d losers = %d, want exactly one of each", winners, losers)
	}
}

func TestUpdateReservationChecksActorAndState(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	start := at(11, 0)
	if _, err := service.UpdateReservation(context.Background(), 2, reservation.ID, ReservationPatch{StartAt: &start}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign actor error = %v, want %v", err, domain.ErrForbidden)
	}
	if _, err := service.UpdateReservation(context.Background(), 1, 404, ReservationPatch{StartAt: &start}); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("missing reservation error = %v, want %v", err, domain.ErrReservationNotFound)
	}

	if err := service.CancelReservation(context.Background(), 1, reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{StartAt: &start}); !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("terminal update error = %v, want %v", err, domain.ErrTerminal)
	}
}

func TestUpdateReservationReschedulesExcludingSelf(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))
	mustReserve(t, service, room.ID, 2, at(10, 0), at(11, 0))

	// Shifting within its own slot must not conflict with itself.
	start, end := at(9, 15), at(9, 45)
	updated, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{StartAt: &start, EndAt: &end})
	if err != nil {
		t.Fatalf("reschedule within own slot: %v", err)
	}
	if !updated.StartAt.Equal(start) || !updated.EndAt.Equal(end) {
		t.Fatalf("updated interval = [%v, %v)", updated.StartAt, updated.EndAt)
	}

	// Moving onto the neighbouring reservation must conflict.
	clashEnd := at(10, 30)
	if _, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{EndAt: &clashEnd}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("overlap error = %v, want %v", err, domain.ErrConflict)
	}
}

func TestUpdateReservationParticipantsOnly(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 2)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0), 2)

	participants := []int64{3, 4}
	updated, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{ParticipantIDs: &participants})
	if err != nil {
		t.Fatalf("replace participants: %v", err)
	}
	if len(updated.ParticipantIDs) != 2 || updated.ParticipantIDs[0] != 3 || updated.ParticipantIDs[1] != 4 {
		t.Fatalf("participants = %v, want [3 4]", updated.ParticipantIDs)
	}
	if !updated.StartAt.Equal(at(9, 0)) || !updated.EndAt.Equal(at(10, 0)) {
		t.Fatal("participant-only update must keep the interval")
	}

	tooMany := []int64{3, 4, 5}
	if _, err := service.UpdateReservation(context.Background(), 1, reservation.ID, ReservationPatch{ParticipantIDs: &tooMany}); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("capacity error = %v, want %v", err, domain.ErrCapacityExceeded)
	}
}

func TestCancelReservationDistinguishesFailures(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	if err := service.CancelReservation(context.Background(), 1, 404); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("missing reservation error = %v, want %v", err, domain.ErrReservationNotFound)
	}
	if err := service.CancelReservation(context.Background(), 2, reservation.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign actor error = %v, want %v", err, domain.ErrForbidden)
	}
	if err := service.CancelReservation(context.Background(), 1, reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := service.CancelReservation(context.Background(), 1, reservation.ID); !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("double cancel error = %v, want %v", err, domain.ErrTerminal)
	}
}

func TestCancelFreesTheSlot(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	if err := service.CancelReservation(context.Background(), 1, reservation.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustReserve(t, service, room.ID, 2, at(9, 0), at(10, 0))
}

func TestArchiveOlderThanEmitsOncePerReservation(t *testing.T) {
	t.Parallel()

	service, dispatcher := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	ended := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))
	cancelled := mustReserve(t, service, room.ID, 2, at(10, 0), at(11, 0))
	mustReserve(t, service, room.ID, 3, at(14, 0), at(15, 0))

	if err := service.CancelReservation(context.Background(), 2, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	count, err := service.ArchiveOlderThan(context.Background(), at(12, 0))
	if err != nil {
		t.Fatalf("archive sweep: %v", err)
	}
	if count != 2 {
		t.Fatalf("archived count = %d, want 2", count)
	}

	again, err := service.ArchiveOlderThan(context.Background(), at(12, 0))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep archived %d, want 0", again)
	}

	archivedEvents := 0
	for _, eventType := range dispatcher.recorded() {
		if eventType == notify.EventReservationArchived {
			archivedEvents++
		}
	}
	if archivedEvents != 2 {
		t.Fatalf("archived events = %d, want 2", archivedEvents)
	}

	got, err := service.GetReservation(context.Background(), ended.ID)
	if err != nil {
		t.Fatalf("get archived reservation: %v", err)
	}
	if got.Status != domain.StatusArchived {
		t.Fatalf("status = %v, want archived", got.Status)
	}
}

func TestListScopesAndFilter(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	active := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0), 5)
	cancelled := mustReserve(t, service, room.ID, 2, at(10, 0), at(11, 0))
	if err := service.CancelReservation(context.Background(), 2, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	defaultScope, err := service.ListReservationsForRoom(context.Background(), room.ID, false)
	if err != nil {
		t.Fatalf("list default scope: %v", err)
	}
	if len(defaultScope) != 1 || defaultScope[0].ID != active.ID {
		t.Fatalf("default scope = %+v", defaultScope)
	}

	history, err := service.ListReservationsForRoom(context.Background(), room.ID, true)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}

	forParticipant, err := service.ListReservationsForUser(context.Background(), 5)
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(forParticipant) != 1 || forParticipant[0].ID != active.ID {
		t.Fatalf("list for user = %+v", forParticipant)
	}

	filtered, err := service.ListReservations(context.Background(), `status = "cancelled"`)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != cancelled.ID {
		t.Fatalf("filtered list = %+v", filtered)
	}

	if _, err := service.ListReservations(context.Background(), `color = "red"`); apperrors.CodeOf(err) != apperrors.CodeListFilterInvalid {
		t.Fatalf("invalid filter error = %v, want %v code", err, apperrors.CodeListFilterInvalid)
	}
}

func TestDeleteRoomLeavesReservations(t *testing.T) {
	t.Parallel()

	service, _ := newTestService(t)
	room := mustCreateRoom(t, service, 4)
	reservation := mustReserve(t, service, room.ID, 1, at(9, 0), at(10, 0))

	if err := service.DeleteRoom(context.Background(), room.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	got, err := service.GetReservation(context.Background(), reservation.ID)
	if err != nil {
		t.Fatalf("get reservation after room delete: %v", err)
	}
	if got.RoomID != room.ID {
		t.Fatalf("reservation room id = %d, want %d", got.RoomID, room.ID)
	}
}
