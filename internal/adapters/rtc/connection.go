package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrForeignTrack = errors.New("track was not published through this engine")

// Connection is one client's pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	id     domain.ClientID
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, id domain.ClientID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		id:     id,
		log:    log.With().Str("module", "rtc").Str("client_id", id.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) { return c.pc.CreateOffer(nil) }

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	c.log.Debug().Str("type", d.Type.String()).Str("media", SummarizeSDP(d.SDP)).Msg("set local description")
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.log.Debug().Str("type", d.Type.String()).Str("media", SummarizeSDP(d.SDP)).Msg("set remote description")
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription { return c.pc.LocalDescription() }

func (c *Connection) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(c.pc)
}

func (c *Connection) AddICECandidate(ci *webrtc.ICECandidateInit) error {
	if ci == nil {
		// An empty candidate marks the end of remote candidates.
		return c.pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	return c.pc.AddICECandidate(*ci)
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		ci := cand.ToJSON()
		fn(&ci)
	})
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

// OnTrack starts a relay for every remote track and hands it to fn.
func (c *Connection) OnTrack(fn func(core.PublishedTrack)) {
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", remote.Kind().String()).
			Str("track_id", remote.ID()).
			Str("stream_id", remote.StreamID()).
			Msg("OnTrack received")
		t := newTrack(c, remote)
		go t.relay.loop(c.ctx, &t.log)
		fn(t)
	})
}

// Forward subscribes this connection to src and sends it on a new send-only transceiver.
func (c *Connection) Forward(src core.PublishedTrack) (core.Forwarder, error) {
	t, ok := src.(*Track)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForeignTrack, src.ID())
	}
	local, err := webrtc.NewTrackLocalStaticRTP(t.remote.Codec().RTPCodecCapability, t.ID(), t.StreamID())
	if err != nil {
		return nil, err
	}
	tr, err := c.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, err
	}
	sender := tr.Sender()
	out := NewOutTrack(local)
	t.relay.AddOutTrack(c.id, out)

	go c.readRTCP(sender, t)
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		t.requestKeyframe()
	}
	return &forwarder{trackID: t.ID(), out: out, sender: sender}, nil
}

// readRTCP drains the sender so interceptors keep working and relays keyframe requests.
func (c *Connection) readRTCP(sender *webrtc.RTPSender, src *Track) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.log.Debug().Str("track_id", src.ID()).Msg("relaying keyframe request to publisher")
				src.requestKeyframe()
			}
		}
	}
}

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

type forwarder struct {
	trackID string
	out     *OutTrack
	sender  *webrtc.RTPSender
}

func (f *forwarder) TrackID() string { return f.trackID }

func (f *forwarder) Detach() error {
	f.out.MarkDelete()
	return f.sender.ReplaceTrack(nil)
}
