// Package coretest provides in-memory implementations of the core collaborator
// interfaces for tests.
package coretest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrSessionClosed = errors.New("coretest: session closed")

// Engine is an in-memory core.MediaEngine that records every session it creates.
type Engine struct {
	mu       sync.Mutex
	sessions map[domain.ClientID]*Session

	// FailNewSession, when set, is returned by NewSession.
	FailNewSession error
}

func NewEngine() *Engine {
	return &Engine{sessions: make(map[domain.ClientID]*Session)}
}

func (e *Engine) NewSession(id domain.ClientID) (core.MediaSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNewSession != nil {
		return nil, e.FailNewSession
	}
	s := &Session{
		id:        id,
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
		gathered:  make(chan struct{}),
	}
	close(s.gathered)
	e.sessions[id] = s
	return s, nil
}

// Session returns the session created for id, or nil.
func (e *Engine) Session(id domain.ClientID) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// Track is a fake published track.
type Track struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

func (t *Track) ID() string { return t.TrackID }
func (t *Track) StreamID() string { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.TrackKind }
func (t *Track) String() string { return t.TrackKind.String() + ":" + t.TrackID }

func VideoTrack(id, stream string) *Track {
	return &Track{TrackID: id, Stream: stream, TrackKind: webrtc.RTPCodecTypeVideo}
}

func AudioTrack(id, stream string) *Track {
	return &Track{TrackID: id, Stream: stream, TrackKind: webrtc.RTPCodecTypeAudio}
}

// Forwarder is the fake relay handle returned by Session.Forward.
type Forwarder struct {
	mu       sync.Mutex
	trackID  string
	kind     webrtc.RTPCodecType
	detached bool
}

func (f *Forwarder) TrackID() string { return f.trackID }

func (f *Forwarder) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func (f *Forwarder) Detached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

// Session is a fake core.MediaSession with a simplified signaling state machine.
// Offers it creates list one "a=track:<kind>:<id>" line per attached forwarder.
type Session struct {
	id domain.ClientID

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	conn       webrtc.PeerConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	forwarders []*Forwarder
	candidates []*webrtc.ICECandidateInit
	closeCount int
	gathered   chan struct{}

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.PublishedTrack)
}

func (s *Session) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaling
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}
	var b strings.Builder
	b.WriteString("v=0\n")
	for _, f := range s.forwarders {
		if f.Detached() {
			continue
		}
		fmt.Fprintf(&b, "a=track:%s:%s\n", f.kind, f.trackID)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: b.String()}, nil
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("coretest: create answer in state %s", s.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to:" + s.remote.SDP}, nil
}

func (s *Session) SetLocalDescription(d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == webrtc.PeerConnectionStateClosed {
		return ErrSessionClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && (s.signaling == webrtc.SignalingStateStable || s.signaling == webrtc.SignalingStateHaveLocalOffer):
		s.signaling = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && s.signaling == webrtc.SignalingStateHaveRemoteOffer:
		s.signaling = webrtc.SignalingStateStable
	case d.Type == webrtc.SDPTypeRollback && s.signaling == webrtc.SignalingStateHaveLocalOffer:
		s.signaling = webrtc.SignalingStateStable
		return nil
	default:
		return fmt.Errorf("coretest: set local %s in state %s", d.Type, s.signaling)
	}
	s.local = &d
	return nil
}

func (s *Session) SetRemoteDescription(d webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == webrtc.PeerConnectionStateClosed {
		return ErrSessionClosed
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && s.signaling == webrtc.SignalingStateStable:
		s.signaling = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && s.signaling == webrtc.SignalingStateHaveLocalOffer:
		s.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("coretest: set remote %s in state %s", d.Type, s.signaling)
	}
	s.remote = &d
	return nil
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) GatheringComplete() <-chan struct{} { return s.gathered }

func (s *Session) AddICECandidate(c *webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

// Candidates returns every remote candidate applied so far; nil entries mark end-of-candidates.
func (s *Session) Candidates() []*webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.ICECandidateInit(nil), s.candidates...)
}

func (s *Session) Forward(src core.PublishedTrack) (core.Forwarder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == webrtc.PeerConnectionStateClosed {
		return nil, ErrSessionClosed
	}
	f := &Forwarder{trackID: src.ID(), kind: src.Kind()}
	s.forwarders = append(s.forwarders, f)
	return f, nil
}

// Forwarders returns every forwarder ever attached, detached ones included.
func (s *Session) Forwarders() []*Forwarder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Forwarder(nil), s.forwarders...)
}

func (s *Session) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onICE = fn
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Session) OnTrack(fn func(core.PublishedTrack)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = fn
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	already := s.conn == webrtc.PeerConnectionStateClosed
	s.conn = webrtc.PeerConnectionStateClosed
	s.signaling = webrtc.SignalingStateClosed
	h := s.onState
	s.mu.Unlock()
	if !already && h != nil {
		go h(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// EmitTrack delivers an incoming track event as the engine would.
func (s *Session) EmitTrack(t core.PublishedTrack) {
	s.mu.Lock()
	h := s.onTrack
	s.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// EmitState moves the connection to st and fires the state callback.
func (s *Session) EmitState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.conn = st
	h := s.onState
	s.mu.Unlock()
	if h != nil {
		h(st)
	}
}

// EmitCandidate fires the local candidate callback; nil means gathering finished.
func (s *Session) EmitCandidate(c *webrtc.ICECandidateInit) {
	s.mu.Lock()
	h := s.onICE
	s.mu.Unlock()
	if h != nil {
		h(c)
	}
}

// OfferedTracks extracts the track ids listed in an offer produced by Session.CreateOffer.
func OfferedTracks(sdp string) []string {
	var out []string
	for _, line := range strings.Split(sdp, "\n") {
		rest, ok := strings.CutPrefix(line, "a=track:")
		if !ok {
			continue
		}
		if _, id, ok := strings.Cut(rest, ":"); ok {
			out = append(out, id)
		}
	}
	return out
}
