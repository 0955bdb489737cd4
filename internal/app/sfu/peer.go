package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is the server side of one connected client: its signaling channel and media session.
// Rooms hold it as the member's core.MemberSession.
type Peer struct {
	id     domain.ClientID
	signal core.SignalConnection
	media  core.MediaSession
	log    zerolog.Logger

	// sdpMu serializes every change of the session's local description.
	sdpMu sync.Mutex

	teardownMu sync.Mutex
	removed    bool
	done       chan struct{}

	joinOnce sync.Once
	joined   chan struct{}

	// needsNegotiation is set when a renegotiation was dropped because the session was busy.
	needsNegotiation atomic.Bool
}

func newPeer(id domain.ClientID, signal core.SignalConnection, media core.MediaSession) *Peer {
	return &Peer{
		id:     id,
		signal: signal,
		media:  media,
		log:    log.With().Str("module", "sfu.peer").Str("client_id", id.String()).Logger(),
		done:   make(chan struct{}),
		joined: make(chan struct{}),
	}
}

func (p *Peer) ID() domain.ClientID { return p.id }

func (p *Peer) Signal() core.SignalConnection { return p.signal }

// Alive reports whether the peer has not been torn down.
func (p *Peer) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Peer) markJoined() {
	p.joinOnce.Do(func() { close(p.joined) })
}

// send encodes v and queues it on the peer's channel. Failures are logged only.
func (p *Peer) send(v any) bool {
	frame, err := protocol.Encode(v)
	if err != nil {
		p.log.Error().Err(err).Msg("encode signaling message")
		return false
	}
	if err := p.signal.TrySend(frame); err != nil {
		p.log.Warn().Err(err).Msg("signaling send failed")
		return false
	}
	return true
}
