package core

import (
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaEngine creates one MediaSession per connected client.
type MediaEngine interface {
	NewSession(id domain.ClientID) (MediaSession, error)
}

// MediaSession is a single peer connection as seen by the relay engine.
type MediaSession interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// LocalDescription returns the current local SDP, candidates included once gathered.
	LocalDescription() *webrtc.SessionDescription
	// GatheringComplete is closed when local candidate gathering has finished.
	GatheringComplete() <-chan struct{}
	// AddICECandidate applies a remote candidate; nil signals end-of-candidates.
	AddICECandidate(*webrtc.ICECandidateInit) error

	// Forward attaches an independent relay subscription of src as a send-only track.
	Forward(src PublishedTrack) (Forwarder, error)

	// OnICECandidate is invoked per local candidate and with nil when gathering ends.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(PublishedTrack))

	Close() error
}

// PublishedTrack is an incoming track a client publishes to the server.
type PublishedTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Forwarder is one relay of a published track into another client's session.
type Forwarder interface {
	// TrackID is the id the receiving client sees for the forwarded track.
	TrackID() string
	// Detach stops sending on the forwarder's sender, leaving the transceiver in place.
	Detach() error
}

// IsTerminal reports whether a session in state s can no longer carry media.
func IsTerminal(s webrtc.PeerConnectionState) bool {
	return s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed
}
