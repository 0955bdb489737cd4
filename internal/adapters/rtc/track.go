package rtc

import (
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Track is a remote track published by a client, together with its fan-out relay.
type Track struct {
	remote    *webrtc.TrackRemote
	publisher domain.ClientID
	pc        *webrtc.PeerConnection
	relay     *Relay
	log       zerolog.Logger
}

func newTrack(c *Connection, remote *webrtc.TrackRemote) *Track {
	return &Track{
		remote:    remote,
		publisher: c.id,
		pc:        c.pc,
		relay:     newRelay(remote),
		log:       c.log.With().Str("track_id", remote.ID()).Logger(),
	}
}

func (t *Track) ID() string { return t.remote.ID() }

// StreamID is the publisher's client id so receivers can group tracks per participant.
func (t *Track) StreamID() string { return t.publisher.String() }

func (t *Track) Kind() webrtc.RTPCodecType { return t.remote.Kind() }

func (t *Track) requestKeyframe() {
	err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.remote.SSRC())}})
	if err != nil {
		t.log.Debug().Err(err).Msg("keyframe request failed")
	}
}
