package domain

import (
	"errors"
	"testing"
)

func TestNormalizeCreateRoomInput(t *testing.T) {
	t.Parallel()

	input, err := NormalizeCreateRoomInput(CreateRoomInput{
		Name:     "  Alpha  ",
		Capacity: 4,
		Location: " 3rd floor ",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if input.Name != "Alpha" {
		t.Fatalf("name = %q, want %q", input.Name, "Alpha")
	}
	if input.Location != "3rd floor" {
		t.Fatalf("location = %q, want %q", input.Location, "3rd floor")
	}

	if _, err := NormalizeCreateRoomInput(CreateRoomInput{Name: "  ", Capacity: 4}); !errors.Is(err, ErrRoomNameEmpty) {
		t.Fatalf("error = %v, want empty name", err)
	}
	if _, err := NormalizeCreateRoomInput(CreateRoomInput{Name: "Alpha", Capacity: 0}); !errors.Is(err, ErrRoomInvalidCapacity) {
		t.Fatalf("error = %v, want invalid capacity", err)
	}
}

func TestApplyRoomPatch(t *testing.T) {
	t.Parallel()

	room := Room{ID: 1, Name: "Alpha", Capacity: 4, Location: "3rd floor"}

	newName := "Beta"
	newCapacity := 8
	updated, err := ApplyRoomPatch(room, RoomPatch{Name: &newName, Capacity: &newCapacity}, fixedNow)
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	if updated.Name != "Beta" || updated.Capacity != 8 {
		t.Fatalf("patched room = %+v", updated)
	}
	if updated.Location != "3rd floor" {
		t.Fatal("untouched fields must survive the patch")
	}
	if !updated.UpdatedAt.Equal(fixedNow()) {
		t.Fatalf("updated_at = %v, want %v", updated.UpdatedAt, fixedNow())
	}

	zero := 0
	if _, err := ApplyRoomPatch(room, RoomPatch{Capacity: &zero}, fixedNow); !errors.Is(err, ErrRoomInvalidCapacity) {
		t.Fatalf("error = %v, want invalid capacity", err)
	}
	blank := "   "
	if _, err := ApplyRoomPatch(room, RoomPatch{Name: &blank}, fixedNow); !errors.Is(err, ErrRoomNameEmpty) {
		t.Fatalf("error = %v, want empty name", err)
	}
}
