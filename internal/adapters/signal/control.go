package signal

import (
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
)

func (s *Server) handleConnect(c *wsSignalConn) {
	if c.id != "" {
		if _, ok := s.media.Member(c.id); ok {
			c.log.Info().Msg("repeated connect, re-acknowledging")
			s.sendJSON(c, protocol.ConnectAck{Type: protocol.TypeConnectAck, ClientID: c.id, Rooms: s.rooms.List()})
			return
		}
		c.log.Info().Msg("previous client was torn down, registering a new one")
	}

	id := domain.NewClientID()
	if err := s.media.Register(id, c); err != nil {
		c.log.Error().Err(err).Msg("register client")
		return
	}
	c.setID(id)
	c.log.Info().Msg("connected")
	s.sendJSON(c, protocol.ConnectAck{Type: protocol.TypeConnectAck, ClientID: id, Rooms: s.rooms.List()})
}

func (s *Server) handlePing(c *wsSignalConn) {
	s.sendJSON(c, protocol.Ack{Type: protocol.TypePong})
}
