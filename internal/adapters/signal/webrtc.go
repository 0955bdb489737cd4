package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
)

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type icePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

func (s *Server) handleOffer(c *wsSignalConn, data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad offer payload")
		return
	}
	answer, err := s.media.Offer(c.id, p.SDP)
	switch {
	case errors.Is(err, domain.ErrSignalingConflict):
		c.log.Warn().Err(err).Msg("offer ignored")
		return
	case err != nil:
		c.log.Error().Err(err).Msg("offer failed")
		return
	}
	s.sendJSON(c, protocol.Answer{Type: protocol.TypeAnswer, SDP: answer})
}

func (s *Server) handleAnswer(c *wsSignalConn, data []byte) {
	var p sdpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad answer payload")
		return
	}
	if err := s.media.SetAnswer(c.id, p.SDP); err != nil {
		c.log.Error().Err(err).Msg("answer failed")
	}
}

func (s *Server) handleICE(c *wsSignalConn, data []byte) {
	var p icePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Error().Err(err).Msg("bad ice payload")
		return
	}
	if err := s.media.ICE(c.id, p.Candidate); err != nil {
		c.log.Warn().Err(err).Msg("ice candidate ignored")
	}
}
