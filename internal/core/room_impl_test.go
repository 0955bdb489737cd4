package core_test

import (
	"slices"
	"testing"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
)

type member struct{ id domain.ClientID }

func (m member) ID() domain.ClientID { return m.id }
func (m member) Signal() core.SignalConnection { return nil }

func TestRoomServiceMembership(t *testing.T) {
	room := core.NewRoomService("r1")
	room.AddMember(member{"b"})
	room.AddMember(member{"a"})
	room.AddMember(member{"a"})

	if got := room.MemberCount(); got != 2 {
		t.Fatalf("MemberCount = %d, want 2", got)
	}
	if got := room.MemberIDs(); !slices.Equal(got, []domain.ClientID{"a", "b"}) {
		t.Fatalf("MemberIDs = %v", got)
	}

	snapshot := room.Members()
	delete(snapshot, "a")
	if !room.Has("a") {
		t.Fatal("mutating the snapshot changed the room")
	}

	if !room.RemoveMember("a") {
		t.Fatal("RemoveMember(a) = false")
	}
	if room.RemoveMember("a") {
		t.Fatal("second RemoveMember(a) = true")
	}
	if room.Has("a") || !room.Has("b") {
		t.Fatal("unexpected membership after removal")
	}
}
