package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateDelete
)

// OutTrack is one subscriber's copy of a relayed track.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) State() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }

// writer is the part of TrackLocalStaticRTP the relay uses.
type writer interface {
	WriteRTP(*rtp.Packet) error
}

// rtpReader is the part of TrackRemote the relay reads from.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay reads RTP from one published track and copies it to every subscriber.
type Relay struct {
	src rtpReader

	mu   sync.RWMutex
	outs map[domain.ClientID]*outEntry
}

type outEntry struct {
	ot *OutTrack
	w  writer
}

func newRelay(src rtpReader) *Relay {
	return &Relay{src: src, outs: make(map[domain.ClientID]*outEntry)}
}

// AddOutTrack subscribes dst, replacing any earlier subscription of the same client.
func (r *Relay) AddOutTrack(dst domain.ClientID, ot *OutTrack) {
	r.add(dst, ot, ot.Track)
}

func (r *Relay) add(dst domain.ClientID, ot *OutTrack, w writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outs[dst]; ok {
		old.ot.MarkDelete()
	}
	r.outs[dst] = &outEntry{ot: ot, w: w}
}

// Subscribers returns the number of live subscriptions.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.outs {
		if e.ot.State() == TrackStateOk {
			n++
		}
	}
	return n
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP stopped")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outs)
	r.mu.RUnlock()

	var dirty []domain.ClientID
	for dst, e := range snapshot {
		if e.ot.State() == TrackStateDelete {
			dirty = append(dirty, dst)
			continue
		}
		if err := e.w.WriteRTP(pkt); err != nil {
			logger.Error().
				Err(err).
				Str("dst", dst.String()).
				Msg("relay write RTP error, marking outtrack as delete")
			e.ot.MarkDelete()
			dirty = append(dirty, dst)
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		// A fresh subscription may have replaced the deleted one meanwhile.
		if e, ok := r.outs[dst]; ok && e.ot.State() == TrackStateDelete {
			delete(r.outs, dst)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.outs {
		e.ot.MarkDelete()
	}
}
