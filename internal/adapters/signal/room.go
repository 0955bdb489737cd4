package signal

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
)

const (
	msgRateLimited  = "rate limited"
	msgNotConnected = "not connected"
	msgBadPayload   = "bad payload"
)

type roomPayload struct {
	RoomName string `json:"room_name"`
}

func (s *Server) handleNewRoom(c *wsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeNewRoomFailed, Msg: msgBadPayload})
		return
	}
	if c.roomLimiter != nil && !c.roomLimiter.Allow() {
		c.log.Warn().Msg("new_room rate limited")
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeNewRoomFailed, Msg: msgRateLimited})
		return
	}
	name, err := domain.NewRoomName(p.RoomName)
	if err == nil {
		err = s.rooms.Create(name)
	}
	if err != nil {
		c.log.Info().Err(err).Str("room", p.RoomName).Msg("new_room failed")
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeNewRoomFailed, Msg: failMsg(err)})
		return
	}
	s.sendJSON(c, protocol.NewRoomSuccess{Type: protocol.TypeNewRoomSuccess, Rooms: s.rooms.List()})
}

func (s *Server) handleJoin(c *wsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeJoinFailed, Msg: msgBadPayload})
		return
	}
	member, ok := s.media.Member(c.id)
	if c.id == "" || !ok {
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeJoinFailed, Msg: msgNotConnected})
		return
	}
	name := domain.RoomName(strings.TrimSpace(p.RoomName))
	if err := s.rooms.Join(name, member); err != nil {
		c.log.Info().Err(err).Str("room", string(name)).Msg("join failed")
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeJoinFailed, Msg: failMsg(err)})
		return
	}

	// The ack must reach the client before the catch-up offer; both share the channel queue.
	willOffer := s.media.HasRoommateTracks(c.id)
	s.sendJSON(c, protocol.JoinSuccess{Type: protocol.TypeJoinSuccess, RoomName: name, ServerWillOffer: willOffer})
	c.log.Info().Str("room", string(name)).Bool("server_will_offer", willOffer).Msg("join")

	s.media.CatchUp(c.id)
	s.media.MarkJoined(c.id)
}

// handleLeft leaves the named room, or every room when no name is given.
func (s *Server) handleLeft(c *wsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeLeftFailed, Msg: msgBadPayload})
		return
	}
	if c.id == "" {
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeLeftFailed, Msg: msgNotConnected})
		return
	}
	var names []domain.RoomName
	if n := strings.TrimSpace(p.RoomName); n != "" {
		names = append(names, domain.RoomName(n))
	}
	err := s.rooms.Leave(c.id, names...)
	s.media.Prune(c.id)
	if err != nil {
		c.log.Info().Err(err).Msg("left failed")
		s.sendJSON(c, protocol.Failed{Type: protocol.TypeLeftFailed, Msg: failMsg(err)})
		return
	}
	c.log.Info().Str("room", p.RoomName).Msg("left")
	s.sendJSON(c, protocol.Ack{Type: protocol.TypeLeftSuccess})
}

func failMsg(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoSuchRoom):
		return "room does not exist"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "room already exists"
	case errors.Is(err, domain.ErrInvalidName):
		return "invalid room name"
	default:
		return "internal error"
	}
}
