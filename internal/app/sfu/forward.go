package sfu

import (
	"errors"
	"fmt"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// ErrOfferUndelivered means a server offer could not be queued on the client's channel.
var ErrOfferUndelivered = errors.New("offer not delivered")

func (m *MediaManager) onTrack(p *Peer, t core.PublishedTrack) {
	if !p.Alive() {
		return
	}
	m.mu.Lock()
	m.tracks[p.id] = append(m.tracks[p.id], t)
	m.mu.Unlock()

	p.log.Info().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("track published")
	m.wg.Go(func() { m.forwardWhenJoined(p, t) })
}

// forwardWhenJoined holds a new track back until its publisher has finished joining,
// then forwards it to every live neighbor.
func (m *MediaManager) forwardWhenJoined(p *Peer, t core.PublishedTrack) {
	select {
	case <-p.joined:
	case <-p.done:
		return
	}

	neighbors := m.rooms.Neighbors(p.id)
	if len(neighbors) == 0 {
		p.log.Debug().Str("track_id", t.ID()).Msg("no neighbors to forward to")
		return
	}
	for nid := range neighbors {
		dst := m.peer(nid)
		if dst == nil {
			continue
		}
		if m.attach(p, t, dst) {
			m.scheduleRenegotiation(dst)
		}
	}
}

// attach forwards t from src into dst unless that forward exists or either side is gone.
func (m *MediaManager) attach(src *Peer, t core.PublishedTrack, dst *Peer) bool {
	m.forwardMu.Lock()
	defer m.forwardMu.Unlock()

	if !src.Alive() || !dst.Alive() || core.IsTerminal(dst.media.ConnectionState()) {
		return false
	}
	if m.ledger.Has(src.id, dst.id, t.ID()) {
		return false
	}
	f, err := dst.media.Forward(t)
	if err != nil {
		dst.log.Error().Err(err).Str("src", src.id.String()).Str("track_id", t.ID()).Msg("attach forwarded track")
		return false
	}
	m.ledger.Record(src.id, dst.id, t.ID(), f)
	dst.log.Info().Str("src", src.id.String()).Str("track_id", t.ID()).Msg("track forwarded")
	return true
}

// HasRoommateTracks reports whether id's neighbors publish tracks not yet forwarded to id.
// The answer decides the server_will_offer flag of a join.
func (m *MediaManager) HasRoommateTracks(id domain.ClientID) bool {
	for nid := range m.rooms.Neighbors(id) {
		for _, t := range m.tracksOf(nid) {
			if !m.ledger.Has(nid, id, t.ID()) {
				return true
			}
		}
	}
	return false
}

// CatchUp forwards every track already published by id's neighbors into id's session and
// sends a single offer when anything was attached. Tracks id itself published before this
// join are pushed to neighbors that lack them.
func (m *MediaManager) CatchUp(id domain.ClientID) {
	p := m.peer(id)
	if p == nil {
		return
	}

	attached := 0
	for nid := range m.rooms.Neighbors(id) {
		src := m.peer(nid)
		if src == nil {
			continue
		}
		for _, t := range m.tracksOf(nid) {
			if m.attach(src, t, p) {
				attached++
			}
		}
		for _, t := range m.tracksOf(id) {
			if m.attach(p, t, src) {
				m.scheduleRenegotiation(src)
			}
		}
	}

	if attached == 0 {
		return
	}
	p.log.Info().Int("tracks", attached).Msg("catch-up offer")
	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()
	if err := m.offerLocked(p); err != nil {
		p.log.Warn().Err(err).Msg("catch-up offer not sent")
	}
}

// MarkJoined releases the deferred forwarding of id's tracks.
func (m *MediaManager) MarkJoined(id domain.ClientID) {
	if p := m.peer(id); p != nil {
		p.markJoined()
	}
}

func (m *MediaManager) scheduleRenegotiation(p *Peer) {
	m.renegotiate.Schedule(p.id, func() { m.renegotiateNow(p.id) })
}

func (m *MediaManager) renegotiateNow(id domain.ClientID) {
	p := m.peer(id)
	if p == nil || !p.Alive() {
		return
	}
	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()
	if err := m.offerLocked(p); err != nil {
		p.log.Warn().Err(err).Msg("renegotiation dropped")
	}
}

// offerLocked creates and sends a server offer. p.sdpMu must be held.
func (m *MediaManager) offerLocked(p *Peer) error {
	if st := p.media.SignalingState(); st != webrtc.SignalingStateStable {
		p.needsNegotiation.Store(true)
		return fmt.Errorf("%w: signaling state %s", domain.ErrSignalingConflict, st)
	}
	if core.IsTerminal(p.media.ConnectionState()) {
		return fmt.Errorf("connection %s", p.media.ConnectionState())
	}
	offer, err := p.media.CreateOffer()
	if err != nil {
		return domain.MediaEngineFailure("create offer", err)
	}
	if err := p.media.SetLocalDescription(offer); err != nil {
		return domain.MediaEngineFailure("set local offer", err)
	}
	if !p.send(protocol.Offer{Type: protocol.TypeOffer, ClientID: p.id, SDP: m.localSDP(p, offer)}) {
		// The client never saw the offer, so the session must not wait for its answer.
		if err := p.media.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			p.log.Warn().Err(err).Msg("roll back undelivered offer")
		}
		p.needsNegotiation.Store(true)
		return ErrOfferUndelivered
	}
	return nil
}

// resumeNegotiation schedules a renegotiation that was dropped while p was busy.
func (m *MediaManager) resumeNegotiation(p *Peer) {
	if p.media.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	if p.needsNegotiation.CompareAndSwap(true, false) {
		p.log.Debug().Msg("resuming dropped renegotiation")
		m.scheduleRenegotiation(p)
	}
}
