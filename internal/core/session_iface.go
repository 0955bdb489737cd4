package core

import "github.com/dkeye/roomsfu/internal/domain"

// MemberSession is the reference a room keeps for each member.
// Rooms share it; the media layer owns it.
type MemberSession interface {
	ID() domain.ClientID
	Signal() SignalConnection
}
