package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomsfu/internal/core/coretest"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type chanReader chan *rtp.Packet

func (c chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint16
	fail error
}

func (r *recorder) WriteRTP(p *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.seqs = append(r.seqs, p.SequenceNumber)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func TestRelayFansOutAndDropsDeleted(t *testing.T) {
	src := make(chanReader)
	relay := newRelay(src)
	logger := zerolog.Nop()

	a, b, broken := &recorder{}, &recorder{}, &recorder{fail: errors.New("closed")}
	otA, otB, otBroken := &OutTrack{}, &OutTrack{}, &OutTrack{}
	relay.add("a", otA, a)
	relay.add("b", otB, b)
	relay.add("c", otBroken, broken)

	done := make(chan struct{})
	go func() {
		relay.loop(context.Background(), &logger)
		close(done)
	}()

	src <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}
	coretest.Eventually(t, time.Second, func() bool {
		return a.count() == 1 && b.count() == 1 && otBroken.State() == TrackStateDelete
	}, "first packet fanned out and failing subscriber retired")

	otB.MarkDelete()
	src <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 2}}
	coretest.Eventually(t, time.Second, func() bool { return a.count() == 2 }, "second packet to a")
	if b.count() != 1 {
		t.Fatalf("deleted subscriber received %d packets", b.count())
	}
	if n := relay.Subscribers(); n != 1 {
		t.Fatalf("Subscribers = %d, want 1", n)
	}

	close(src)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay loop did not stop at end of stream")
	}
	if otA.State() != TrackStateDelete {
		t.Fatal("subscribers must be marked for delete when the source ends")
	}
}

func TestRelayResubscribeReplacesOldOutTrack(t *testing.T) {
	relay := newRelay(make(chanReader))
	first, second := &OutTrack{}, &OutTrack{}
	relay.add("a", first, &recorder{})
	relay.add("a", second, &recorder{})
	if first.State() != TrackStateDelete || second.State() != TrackStateOk {
		t.Fatal("resubscribing must retire the previous out track")
	}
}
