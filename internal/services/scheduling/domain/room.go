package domain

import (
	"strings"
	"time"

	apperrors "github.com/roomclerk/roomclerk/internal/platform/errors"
)

var (
	// ErrRoomNameEmpty indicates a missing room name.
	ErrRoomNameEmpty = apperrors.New(apperrors.CodeRoomNameEmpty, "room name is required")
	// ErrRoomInvalidCapacity indicates a capacity below one seat.
	ErrRoomInvalidCapacity = apperrors.New(apperrors.CodeRoomInvalidCapacity, "room capacity must be at least 1")
	// ErrRoomNotFound indicates a missing room.
	ErrRoomNotFound = apperrors.New(apperrors.CodeRoomNotFound, "room not found")
)

// Room is a bookable resource with a finite capacity.
type Room struct {
	ID          int64
	Name        string
	Capacity    int
	Location    string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateRoomInput describes the fields needed to register a room.
type CreateRoomInput struct {
	Name        string
	Capacity    int
	Location    string
	Description string
}

// NormalizeCreateRoomInput trims and validates room registration input.
func NormalizeCreateRoomInput(input CreateRoomInput) (CreateRoomInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateRoomInput{}, ErrRoomNameEmpty
	}
	if input.Capacity < 1 {
		return CreateRoomInput{}, ErrRoomInvalidCapacity
	}
	input.Location = strings.TrimSpace(input.Location)
	input.Description = strings.TrimSpace(input.Description)
	return input, nil
}

// RoomPatch carries a partial room update; nil fields are left unchanged.
type RoomPatch struct {
	Name        *string
	Capacity    *int
	Location    *string
	Description *string
}

// ApplyRoomPatch merges a patch into a room and validates the result.
func ApplyRoomPatch(room Room, patch RoomPatch, now func() time.Time) (Room, error) {
	if now == nil {
		now = time.Now
	}
	updated := room
	if patch.Name != nil {
		updated.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Capacity != nil {
		updated.Capacity = *patch.Capacity
	}
	if patch.Location != nil {
		updated.Location = strings.TrimSpace(*patch.Location)
	}
	if patch.Description != nil {
		updated.Description = strings.TrimSpace(*patch.Description)
	}
	if updated.Name == "" {
		return Room{}, ErrRoomNameEmpty
	}
	if updated.Capacity < 1 {
		return Room{}, ErrRoomInvalidCapacity
	}
	updated.UpdatedAt = now().UTC()
	return updated, nil
}
