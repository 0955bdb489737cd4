package core

import (
	"github.com/dkeye/roomsfu/internal/domain"
)

// RoomService is the membership set of one room.
// It stores shared MemberSession references and never touches transport resources.
type RoomService interface {
	Name() domain.RoomName
	MemberCount() int
	Has(id domain.ClientID) bool
	MemberIDs() []domain.ClientID
	// Members returns a copy of the membership map.
	Members() map[domain.ClientID]MemberSession

	AddMember(ms MemberSession)
	RemoveMember(id domain.ClientID) bool
}

// RoomDirectory is what the relay engine needs from room membership.
type RoomDirectory interface {
	Neighbors(id domain.ClientID) map[domain.ClientID]MemberSession
	Leave(id domain.ClientID, rooms ...domain.RoomName) error
}
