// Package sqlite provides a SQLite-backed scheduling storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	apperrors "github.com/roomclerk/roomclerk/internal/platform/errors"
	sqlitemigrate "github.com/roomclerk/roomclerk/internal/platform/storage/sqlitemigrate"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage/filter"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage/sqlite/migrations"
)

// Store persists scheduling state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func statusToStored(status domain.Status) string {
	return strings.ToLower(domain.StatusLabel(status))
}

func statusFromStored(value string) (domain.Status, error) {
	return domain.StatusFromLabel(value)
}

// Open opens a SQLite scheduling store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateRoom inserts one room and returns it with its assigned id.
func (s *Store) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Room{}, err
	}
	room.Name = strings.TrimSpace(room.Name)
	if room.Name == "" {
		return domain.Room{}, fmt.Errorf("room name is required")
	}
	if room.Capacity < 1 {
		return domain.Room{}, fmt.Errorf("room capacity must be at least 1")
	}
	createdAt := room.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := room.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rooms (name, capacity, location, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		room.Name,
		room.Capacity,
		room.Location,
		room.Description,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room id: %w", err)
	}
	room.ID = id
	room.CreatedAt = createdAt
	room.UpdatedAt = updatedAt
	return room, nil
}

// GetRoom returns one room by id.
func (s *Store) GetRoom(ctx context.Context, id int64) (domain.Room, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Room{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, capacity, location, description, created_at, updated_at
		   FROM rooms
		  WHERE id = ?`,
		id,
	)
	return scanRoom(row)
}

// ListRooms returns the room catalog ordered by id.
func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, name, capacity, location, description, created_at, updated_at
		   FROM rooms
		  ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// UpdateRoom writes the full room row.
func (s *Store) UpdateRoom(ctx context.Context, room domain.Room) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE rooms
		    SET name = ?, capacity = ?, location = ?, description = ?, updated_at = ?
		  WHERE id = ?`,
		room.Name,
		room.Capacity,
		room.Location,
		room.Description,
		toMillis(room.UpdatedAt),
		room.ID,
	)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteRoom removes one room. Reservations keep their room id as a plain
// reference; cascade decisions belong to the caller.
func (s *Store) DeleteRoom(ctx context.Context, id int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateReservation inserts the reservation row and its participant rows in
// one transaction.
func (s *Store) CreateReservation(ctx context.Context, reservation domain.Reservation) (domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Reservation{}, err
	}
	if reservation.Status == domain.StatusUnspecified {
		reservation.Status = domain.StatusActive
	}
	createdAt := reservation.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := reservation.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin create reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO reservations (room_id, creator_id, start_at, end_at, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		reservation.RoomID,
		reservation.CreatorID,
		toMillis(reservation.StartAt),
		toMillis(reservation.EndAt),
		statusToStored(reservation.Status),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		if isCheckViolation(err) {
			return domain.Reservation{}, fmt.Errorf("create reservation constraint: %w", err)
		}
		return domain.Reservation{}, fmt.Errorf("create reservation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("create reservation id: %w", err)
	}

	for _, userID := range reservation.ParticipantIDs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO reservation_participants (reservation_id, user_id) VALUES (?, ?)`,
			id,
			userID,
		); err != nil {
			return domain.Reservation{}, fmt.Errorf("create reservation participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit create reservation: %w", err)
	}

	reservation.ID = id
	reservation.StartAt = reservation.StartAt.UTC()
	reservation.EndAt = reservation.EndAt.UTC()
	reservation.CreatedAt = createdAt
	reservation.UpdatedAt = updatedAt
	return reservation, nil
}

// GetReservation returns one reservation with its participant set.
func (s *Store) GetReservation(ctx context.Context, id int64) (domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Reservation{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, room_id, creator_id, start_at, end_at, status, created_at, updated_at
		   FROM reservations
		  WHERE id = ?`,
		id,
	)
	reservation, err := scanReservation(row)
	if err != nil {
		return domain.Reservation{}, err
	}
	participants, err := s.loadParticipants(ctx, []int64{reservation.ID})
	if err != nil {
		return domain.Reservation{}, err
	}
	reservation.ParticipantIDs = participants[reservation.ID]
	return reservation, nil
}

// UpdateReservation writes the reservation row and replaces the participant
// set in one transaction. The row update is guarded by expectedStatus so a
// write racing a cancel or the archive sweep fails with ErrStaleStatus
// instead of silently resurrecting a terminal reservation.
func (s *Store) UpdateReservation(ctx context.Context, reservation domain.Reservation, expectedStatus domain.Status) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE reservations
		    SET start_at = ?, end_at = ?, status = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		toMillis(reservation.StartAt),
		toMillis(reservation.EndAt),
		statusToStored(reservation.Status),
		toMillis(reservation.UpdatedAt),
		reservation.ID,
		statusToStored(expectedStatus),
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("update reservation constraint: %w", err)
		}
		return fmt.Errorf("update reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(
			ctx,
			`SELECT status FROM reservations WHERE id = ?`,
			reservation.ID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update reservation status check: %w", err)
		}
		return storage.ErrStaleStatus
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM reservation_participants WHERE reservation_id = ?`,
		reservation.ID,
	); err != nil {
		return fmt.Errorf("clear reservation participants: %w", err)
	}
	for _, userID := range reservation.ParticipantIDs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO reservation_participants (reservation_id, user_id) VALUES (?, ?)`,
			reservation.ID,
			userID,
		); err != nil {
			return fmt.Errorf("write reservation participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update reservation: %w", err)
	}
	return nil
}

// ListForRoom returns a room's non-archived reservations ordered by start.
func (s *Store) ListForRoom(ctx context.Context, roomID int64, includeCancelled bool) ([]domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT id, room_id, creator_id, start_at, end_at, status, created_at, updated_at
	            FROM reservations
	           WHERE room_id = ? AND status != 'archived'`
	if !includeCancelled {
		query += ` AND status != 'cancelled'`
	}
	query += ` ORDER BY start_at ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list reservations for room: %w", err)
	}
	return s.collectReservations(ctx, rows, "list reservations for room")
}

// ListForUser returns reservations the user created or participates in,
// excluding archived ones.
func (s *Store) ListForUser(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT r.id, r.room_id, r.creator_id, r.start_at, r.end_at, r.status, r.created_at, r.updated_at
		   FROM reservations r
		   LEFT JOIN reservation_participants p ON p.reservation_id = r.id
		  WHERE (r.creator_id = ? OR p.user_id = ?)
		    AND r.status != 'archived'
		  ORDER BY r.start_at ASC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reservations for user: %w", err)
	}
	return s.collectReservations(ctx, rows, "list reservations for user")
}

// ListReservations returns all reservations matching an optional AIP-160
// filter expression, archived included.
func (s *Store) ListReservations(ctx context.Context, filterExpr string) ([]domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	condition, err := filter.ParseReservationFilter(filterExpr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeListFilterInvalid, "invalid reservation filter", err)
	}

	query := `SELECT id, room_id, creator_id, start_at, end_at, status, created_at, updated_at
	            FROM reservations`
	if condition.Clause != "" {
		query += ` WHERE ` + condition.Clause
	}
	query += ` ORDER BY start_at ASC, id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, condition.Params...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return s.collectReservations(ctx, rows, "list reservations")
}

// ListArchiveCandidates returns active or cancelled reservations ended
// strictly before threshold.
func (s *Store) ListArchiveCandidates(ctx context.Context, threshold time.Time) ([]domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, room_id, creator_id, start_at, end_at, status, created_at, updated_at
		   FROM reservations
		  WHERE end_at < ? AND status IN ('active', 'cancelled')
		  ORDER BY end_at ASC, id ASC`,
		toMillis(threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("list archive candidates: %w", err)
	}
	return s.collectReservations(ctx, rows, "list archive candidates")
}

// ArchiveOlderThan flips every archive candidate to archived inside one
// transaction and returns the flipped rows. Re-running with the same
// threshold flips nothing and returns an empty slice.
func (s *Store) ArchiveOlderThan(ctx context.Context, threshold time.Time, now time.Time) ([]domain.Reservation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin archive sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, room_id, creator_id, start_at, end_at, status, created_at, updated_at
		   FROM reservations
		  WHERE end_at < ? AND status IN ('active', 'cancelled')
		  ORDER BY end_at ASC, id ASC`,
		toMillis(threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("select archive candidates: %w", err)
	}
	var archived []domain.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan archive candidate: %w", err)
		}
		archived = append(archived, reservation)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read archive candidates: %w", err)
	}
	rows.Close()

	if len(archived) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE reservations
		    SET status = 'archived', updated_at = ?
		  WHERE end_at < ? AND status IN ('active', 'cancelled')`,
		toMillis(now),
		toMillis(threshold),
	); err != nil {
		return nil, fmt.Errorf("archive reservations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit archive sweep: %w", err)
	}

	ids := make([]int64, 0, len(archived))
	for i := range archived {
		archived[i].Status = domain.StatusArchived
		archived[i].UpdatedAt = now.UTC()
		ids = append(ids, archived[i].ID)
	}
	participants, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range archived {
		archived[i].ParticipantIDs = participants[archived[i].ID]
	}
	return archived, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (domain.Room, error) {
	var room domain.Room
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&room.ID,
		&room.Name,
		&room.Capacity,
		&room.Location,
		&room.Description,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Room{}, storage.ErrNotFound
		}
		return domain.Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.CreatedAt = fromMillis(createdAt)
	room.UpdatedAt = fromMillis(updatedAt)
	return room, nil
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var reservation domain.Reservation
	var startAt, endAt, createdAt, updatedAt int64
	var status string
	err := row.Scan(
		&reservation.ID,
		&reservation.RoomID,
		&reservation.CreatorID,
		&startAt,
		&endAt,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, storage.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	parsed, err := statusFromStored(status)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("scan reservation status: %w", err)
	}
	reservation.StartAt = fromMillis(startAt)
	reservation.EndAt = fromMillis(endAt)
	reservation.Status = parsed
	reservation.CreatedAt = fromMillis(createdAt)
	reservation.UpdatedAt = fromMillis(updatedAt)
	return reservation, nil
}

func (s *Store) collectReservations(ctx context.Context, rows *sql.Rows, op string) ([]domain.Reservation, error) {
	defer rows.Close()

	var reservations []domain.Reservation
	var ids []int64
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		reservations = append(reservations, reservation)
		ids = append(ids, reservation.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(reservations) == 0 {
		return nil, nil
	}

	participants, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for i := range reservations {
		reservations[i].ParticipantIDs = participants[reservations[i].ID]
	}
	return reservations, nil
}

// loadParticipants returns the participant sets for the given reservation
// ids, ordered by user id.
func (s *Store) loadParticipants(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	participants := make(map[int64][]int64, len(ids))
	if len(ids) == 0 {
		return participants, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT reservation_id, user_id
		   FROM reservation_participants
		  WHERE reservation_id IN (`+placeholders+`)
		  ORDER BY reservation_id ASC, user_id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reservationID, userID int64
		if err := rows.Scan(&reservationID, &userID); err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
		participants[reservationID] = append(participants[reservationID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return participants, nil
}

func isCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_CHECK {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "check constraint failed")
}

var _ storage.Store = (*Store)(nil)
