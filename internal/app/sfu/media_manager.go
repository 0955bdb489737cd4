// Package sfu is the relay engine: it owns one media session per client, forwards every
// published track to the publisher's room neighbors and drives renegotiation.
package sfu

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc"
)

const DefaultRenegotiateDelay = 200 * time.Millisecond

type Options struct {
	// RenegotiateDelay coalesces track additions into one offer per neighbor.
	RenegotiateDelay time.Duration
	// GatherTimeout bounds the wait for ICE gathering before an SDP is sent. Zero disables it.
	GatherTimeout time.Duration
}

type MediaManager struct {
	engine core.MediaEngine
	rooms  core.RoomDirectory
	opts   Options

	mu     sync.RWMutex
	peers  map[domain.ClientID]*Peer
	tracks map[domain.ClientID][]core.PublishedTrack

	ledger *Ledger
	// forwardMu makes check, attach and record of a forward one step.
	forwardMu   sync.Mutex
	renegotiate *Debouncer[domain.ClientID]

	wg     conc.WaitGroup
	closed atomic.Bool
}

func NewMediaManager(engine core.MediaEngine, rooms core.RoomDirectory, opts Options) *MediaManager {
	if opts.RenegotiateDelay <= 0 {
		opts.RenegotiateDelay = DefaultRenegotiateDelay
	}
	return &MediaManager{
		engine:      engine,
		rooms:       rooms,
		opts:        opts,
		peers:       make(map[domain.ClientID]*Peer),
		tracks:      make(map[domain.ClientID][]core.PublishedTrack),
		ledger:      NewLedger(),
		renegotiate: NewDebouncer[domain.ClientID](opts.RenegotiateDelay),
	}
}

// Register creates the media session of a newly connected client.
func (m *MediaManager) Register(id domain.ClientID, signal core.SignalConnection) error {
	m.mu.Lock()
	if _, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s: %w", id, domain.ErrAlreadyExists)
	}
	session, err := m.engine.NewSession(id)
	if err != nil {
		m.mu.Unlock()
		return domain.MediaEngineFailure("new session", err)
	}
	p := newPeer(id, signal, session)
	m.peers[id] = p
	m.mu.Unlock()

	session.OnICECandidate(func(c *webrtc.ICECandidateInit) { m.sendCandidate(p, c) })
	session.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.onConnectionState(p, s) })
	session.OnTrack(func(t core.PublishedTrack) { m.onTrack(p, t) })

	p.log.Info().Msg("peer registered")
	return nil
}

// Member returns the room member handle of a registered client.
func (m *MediaManager) Member(id domain.ClientID) (core.MemberSession, bool) {
	p := m.peer(id)
	if p == nil {
		return nil, false
	}
	return p, true
}

// Count returns the number of registered clients.
func (m *MediaManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Offer applies a client offer and returns the answer SDP.
func (m *MediaManager) Offer(id domain.ClientID, sdp string) (string, error) {
	p := m.peer(id)
	if p == nil {
		return "", fmt.Errorf("offer from %s: %w", id, domain.ErrUnknownClient)
	}

	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()

	if st := p.media.SignalingState(); st != webrtc.SignalingStateStable {
		p.log.Warn().Str("signaling_state", st.String()).Msg("offer collides with pending negotiation, ignored")
		return "", fmt.Errorf("%w: signaling state %s", domain.ErrSignalingConflict, st)
	}
	if err := p.media.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", domain.MediaEngineFailure("set remote offer", err)
	}
	answer, err := p.media.CreateAnswer()
	if err != nil {
		return "", domain.MediaEngineFailure("create answer", err)
	}
	if err := p.media.SetLocalDescription(answer); err != nil {
		return "", domain.MediaEngineFailure("set local answer", err)
	}
	m.resumeNegotiation(p)
	return m.localSDP(p, answer), nil
}

// SetAnswer applies the client's answer to a server offer.
func (m *MediaManager) SetAnswer(id domain.ClientID, sdp string) error {
	p := m.peer(id)
	if p == nil {
		return fmt.Errorf("answer from %s: %w", id, domain.ErrUnknownClient)
	}

	p.sdpMu.Lock()
	defer p.sdpMu.Unlock()

	if err := p.media.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return domain.MediaEngineFailure("set remote answer", err)
	}
	m.resumeNegotiation(p)
	return nil
}

// ICE applies a remote candidate carried in the candidate field of an ice message.
func (m *MediaManager) ICE(id domain.ClientID, candidate json.RawMessage) error {
	p := m.peer(id)
	if p == nil {
		return fmt.Errorf("ice from %s: %w", id, domain.ErrUnknownClient)
	}
	c, err := protocol.DecodeCandidate(candidate)
	if err != nil {
		return err
	}
	if err := p.media.AddICECandidate(c); err != nil {
		return domain.MediaEngineFailure("add ice candidate", err)
	}
	return nil
}

func (m *MediaManager) peer(id domain.ClientID) *Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

func (m *MediaManager) peerIDs() []domain.ClientID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.peers))
}

func (m *MediaManager) tracksOf(id domain.ClientID) []core.PublishedTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tracks[id])
}

func (m *MediaManager) sendCandidate(p *Peer, c *webrtc.ICECandidateInit) {
	enc, err := protocol.EncodeCandidate(c)
	if err != nil {
		p.log.Error().Err(err).Msg("encode local candidate")
		return
	}
	p.send(protocol.ICE{Type: protocol.TypeICE, ClientID: p.id, Candidate: enc})
}

func (m *MediaManager) onConnectionState(p *Peer, s webrtc.PeerConnectionState) {
	p.log.Debug().Str("state", s.String()).Msg("connection state changed")
	if !core.IsTerminal(s) || !p.Alive() || m.closed.Load() {
		return
	}
	m.wg.Go(func() { m.RemoveClient(p.id) })
}

// localSDP returns the SDP to send for desc, waiting for ICE gathering when configured.
func (m *MediaManager) localSDP(p *Peer, desc webrtc.SessionDescription) string {
	if m.opts.GatherTimeout <= 0 {
		return desc.SDP
	}
	timer := time.NewTimer(m.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-p.media.GatheringComplete():
	case <-timer.C:
		p.log.Debug().Dur("timeout", m.opts.GatherTimeout).Msg("ice gathering still running, sending partial sdp")
	case <-p.done:
	}
	if ld := p.media.LocalDescription(); ld != nil && ld.Type == desc.Type {
		return ld.SDP
	}
	return desc.SDP
}
