package sfu

import (
	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoveClient tears down everything held for id. It is idempotent and safe to call
// concurrently; it reports whether this call performed the teardown.
func (m *MediaManager) RemoveClient(id domain.ClientID) bool {
	p := m.peer(id)
	if p == nil {
		return false
	}

	p.teardownMu.Lock()
	defer p.teardownMu.Unlock()
	if p.removed {
		return false
	}
	p.removed = true
	close(p.done)

	m.forwardMu.Lock()
	outgoing := m.ledger.TakeSource(id)
	incoming := m.ledger.DropTarget(id)
	m.forwardMu.Unlock()

	for dst, fwds := range outgoing {
		m.endForwards(m.peer(dst), fwds)
	}
	for src, fwds := range incoming {
		for _, f := range fwds {
			if err := f.Detach(); err != nil {
				p.log.Debug().Err(err).Str("src", src.String()).Msg("detach incoming forward")
			}
		}
	}

	if p.media.ConnectionState() != webrtc.PeerConnectionStateClosed {
		if err := p.media.Close(); err != nil {
			p.log.Warn().Err(err).Msg("close media session")
		}
	}

	m.mu.Lock()
	delete(m.peers, id)
	delete(m.tracks, id)
	m.mu.Unlock()

	if err := m.rooms.Leave(id); err != nil {
		p.log.Warn().Err(err).Msg("leave rooms on teardown")
	}
	p.log.Info().Msg("peer removed")
	return true
}

// Prune stops forwarding between id and every client it no longer shares a room with.
func (m *MediaManager) Prune(id domain.ClientID) {
	p := m.peer(id)
	if p == nil {
		return
	}
	neighbors := m.rooms.Neighbors(id)

	m.forwardMu.Lock()
	outgoing := make(map[domain.ClientID][]core.Forwarder)
	for _, dst := range m.ledger.Targets(id) {
		if _, ok := neighbors[dst]; !ok {
			outgoing[dst] = m.ledger.Take(id, dst)
		}
	}
	incoming := make(map[domain.ClientID][]core.Forwarder)
	for _, src := range m.ledger.Sources(id) {
		if _, ok := neighbors[src]; !ok {
			incoming[src] = m.ledger.Take(src, id)
		}
	}
	m.forwardMu.Unlock()

	for dst, fwds := range outgoing {
		m.endForwards(m.peer(dst), fwds)
	}
	for _, fwds := range incoming {
		m.endForwards(p, fwds)
	}
	if n := len(outgoing) + len(incoming); n > 0 {
		p.log.Info().Int("pairs", n).Msg("pruned forwards outside shared rooms")
	}
}

// endForwards tells dst each forwarded track has ended and detaches it.
// dst may be nil when the receiving peer is already gone.
func (m *MediaManager) endForwards(dst *Peer, fwds []core.Forwarder) {
	for _, f := range fwds {
		if dst != nil {
			dst.send(protocol.TrackEnded{Type: protocol.TypeTrackEnded, TrackID: f.TrackID()})
		}
		if err := f.Detach(); err != nil {
			l := log.Warn().Str("module", "sfu").Err(err).Str("track_id", f.TrackID())
			if dst != nil {
				l = l.Str("client_id", dst.id.String())
			}
			l.Msg("detach forwarded track")
		}
	}
}

// Close tears down every client and waits for background work to finish.
func (m *MediaManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.renegotiate.Stop()
	for _, id := range m.peerIDs() {
		m.RemoveClient(id)
	}
	m.wg.Wait()
	log.Info().Str("module", "sfu").Msg("media manager closed")
}
