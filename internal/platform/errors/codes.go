// Package errors provides coded domain errors for the scheduling engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Room errors
	CodeRoomNotFound        Code = "ROOM_NOT_FOUND"
	CodeRoomNameEmpty       Code = "ROOM_NAME_EMPTY"
	CodeRoomInvalidCapacity Code = "ROOM_INVALID_CAPACITY"

	// Reservation errors
	CodeReservationNotFound         Code = "RESERVATION_NOT_FOUND"
	CodeReservationInvalidInterval  Code = "RESERVATION_INVALID_INTERVAL"
	CodeReservationCapacityExceeded Code = "RESERVATION_CAPACITY_EXCEEDED"
	CodeReservationConflict         Code = "RESERVATION_CONFLICT"
	CodeReservationForbidden        Code = "RESERVATION_FORBIDDEN"
	CodeReservationTerminal         Code = "RESERVATION_TERMINAL"

	// Listing errors
	CodeListFilterInvalid Code = "LIST_FILTER_INVALID"
)

// GRPCCode maps domain codes to gRPC status codes for the request layer.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeRoomNameEmpty,
		CodeRoomInvalidCapacity,
		CodeReservationInvalidInterval,
		CodeReservationCapacityExceeded,
		CodeListFilterInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow the operation
	case CodeReservationTerminal:
		return codes.FailedPrecondition

	// AlreadyExists - overlapping interval on the same room
	case CodeReservationConflict:
		return codes.AlreadyExists

	// NotFound - referenced record doesn't exist
	case CodeRoomNotFound,
		CodeReservationNotFound:
		return codes.NotFound

	case CodeReservationForbidden:
		return codes.PermissionDenied

	default:
		return codes.Internal
	}
}
