package sfu

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomsfu/internal/app"
	"github.com/dkeye/roomsfu/internal/core/coretest"
	"github.com/dkeye/roomsfu/internal/domain"
	"github.com/dkeye/roomsfu/internal/protocol"
	"github.com/pion/webrtc/v4"
)

const testDelay = 30 * time.Millisecond

type harness struct {
	t      *testing.T
	m      *MediaManager
	rooms  *app.RoomManager
	engine *coretest.Engine
	conns  map[domain.ClientID]*coretest.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rooms := app.NewRoomManager()
	engine := coretest.NewEngine()
	m := NewMediaManager(engine, rooms, Options{RenegotiateDelay: testDelay})
	t.Cleanup(m.Close)
	return &harness{t: t, m: m, rooms: rooms, engine: engine, conns: make(map[domain.ClientID]*coretest.Conn)}
}

func (h *harness) connect(id domain.ClientID) *coretest.Conn {
	h.t.Helper()
	conn := coretest.NewConn()
	if err := h.m.Register(id, conn); err != nil {
		h.t.Fatalf("Register(%s): %v", id, err)
	}
	h.conns[id] = conn
	return conn
}

// join runs the same sequence as the signaling server's join handler.
func (h *harness) join(room domain.RoomName, id domain.ClientID) bool {
	h.t.Helper()
	if !slices.Contains(h.rooms.List(), room) {
		if err := h.rooms.Create(room); err != nil {
			h.t.Fatal(err)
		}
	}
	member, ok := h.m.Member(id)
	if !ok {
		h.t.Fatalf("client %s not registered", id)
	}
	if err := h.rooms.Join(room, member); err != nil {
		h.t.Fatal(err)
	}
	willOffer := h.m.HasRoommateTracks(id)
	h.m.CatchUp(id)
	h.m.MarkJoined(id)
	return willOffer
}

func (h *harness) session(id domain.ClientID) *coretest.Session {
	return h.engine.Session(id)
}

func (h *harness) offers(id domain.ClientID) []map[string]any {
	return h.conns[id].OfType(protocol.TypeOffer)
}

// settle lets deferred forwards of tracks published by a lone member run out.
func settle() { time.Sleep(testDelay) }

func offeredTracks(msg map[string]any) []string {
	sdp, _ := msg["sdp"].(string)
	ids := coretest.OfferedTracks(sdp)
	slices.Sort(ids)
	return ids
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	if err := h.m.Register("a", coretest.NewConn()); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second Register err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegisterEngineFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.FailNewSession = errors.New("boom")
	err := h.m.Register("a", coretest.NewConn())
	if !errors.Is(err, domain.ErrMediaEngine) {
		t.Fatalf("Register err = %v, want ErrMediaEngine", err)
	}
	if _, ok := h.m.Member("a"); ok {
		t.Fatal("failed registration left a member behind")
	}
}

func TestOfferProducesAnswer(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	answer, err := h.m.Offer("a", "client-offer")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "answer-to:client-offer" {
		t.Fatalf("answer = %q", answer)
	}
	if st := h.session("a").SignalingState(); st != webrtc.SignalingStateStable {
		t.Fatalf("signaling state = %s, want stable", st)
	}
}

func TestOfferUnknownClient(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.Offer("ghost", "x"); !errors.Is(err, domain.ErrUnknownClient) {
		t.Fatalf("err = %v, want ErrUnknownClient", err)
	}
	if err := h.m.SetAnswer("ghost", "x"); !errors.Is(err, domain.ErrUnknownClient) {
		t.Fatalf("SetAnswer err = %v, want ErrUnknownClient", err)
	}
}

func TestOfferDuringServerOfferIsRejected(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "b")
	h.session("b").EmitTrack(coretest.AudioTrack("b-audio", "b"))
	settle()
	h.join("r", "a")
	if len(h.offers("a")) != 1 {
		t.Fatalf("a offers = %d, want 1 catch-up offer", len(h.offers("a")))
	}
	before := h.session("a").RemoteDescription()

	answer, err := h.m.Offer("a", "glare")
	if !errors.Is(err, domain.ErrSignalingConflict) {
		t.Fatalf("err = %v, want ErrSignalingConflict", err)
	}
	if answer != "" {
		t.Fatalf("answer = %q, want none", answer)
	}
	if st := h.session("a").SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("signaling state = %s, want have-local-offer", st)
	}
	if h.session("a").RemoteDescription() != before {
		t.Fatal("remote description changed by a rejected offer")
	}
	if got := h.conns["a"].OfType(protocol.TypeAnswer); len(got) != 0 {
		t.Fatalf("answers sent: %v", got)
	}
}

func TestBurstOfTracksCoalescesIntoOneOffer(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "a")
	h.join("r", "b")

	a := h.session("a")
	a.EmitTrack(coretest.AudioTrack("a-audio", "a"))
	a.EmitTrack(coretest.VideoTrack("a-video", "a"))

	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("b")) > 0 }, "b receives an offer")
	time.Sleep(3 * testDelay)

	offers := h.offers("b")
	if len(offers) != 1 {
		t.Fatalf("b offers = %d, want 1", len(offers))
	}
	if got := offeredTracks(offers[0]); !slices.Equal(got, []string{"a-audio", "a-video"}) {
		t.Fatalf("offered tracks = %v", got)
	}
	if offers[0]["client_id"] != "b" {
		t.Fatalf("offer client_id = %v", offers[0]["client_id"])
	}
	if len(h.offers("a")) != 0 {
		t.Fatal("publisher must not receive an offer for its own tracks")
	}
}

func TestTracksWaitForPublisherJoin(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "b")

	member, _ := h.m.Member("a")
	if err := h.rooms.Join("r", member); err != nil {
		t.Fatal(err)
	}
	h.session("a").EmitTrack(coretest.AudioTrack("a-audio", "a"))
	time.Sleep(3 * testDelay)
	if n := len(h.session("b").Forwarders()); n != 0 {
		t.Fatalf("forwarded before join completed: %d", n)
	}

	h.m.MarkJoined("a")
	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("b")) == 1 }, "b offered after a joined")
}

func TestCatchUpSendsSingleOffer(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	if h.join("r", "a") {
		t.Fatal("first member must not expect a server offer")
	}
	a := h.session("a")
	a.EmitTrack(coretest.AudioTrack("a-audio", "a"))
	a.EmitTrack(coretest.VideoTrack("a-video", "a"))
	settle()

	if !h.join("r", "b") {
		t.Fatal("server_will_offer = false with published roommate tracks")
	}
	offers := h.offers("b")
	if len(offers) != 1 {
		t.Fatalf("b offers = %d, want 1", len(offers))
	}
	if got := offeredTracks(offers[0]); !slices.Equal(got, []string{"a-audio", "a-video"}) {
		t.Fatalf("offered tracks = %v", got)
	}

	time.Sleep(3 * testDelay)
	if n := len(h.offers("b")); n != 1 {
		t.Fatalf("b offers after settle = %d, want 1", n)
	}
	if n := len(h.session("b").Forwarders()); n != 2 {
		t.Fatalf("forwarders into b = %d, want 2", n)
	}
}

func TestCatchUpCoversEveryPublishingNeighbor(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.connect("c")
	h.join("r", "a")
	h.session("a").EmitTrack(coretest.AudioTrack("a-audio", "a"))
	settle()
	h.join("r", "b")
	h.session("b").EmitTrack(coretest.VideoTrack("b-video", "b"))
	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("a")) == 1 }, "a offered b's track")
	settle()

	if !h.join("r", "c") {
		t.Fatal("server_will_offer = false with two publishing roommates")
	}
	offers := h.offers("c")
	if len(offers) != 1 {
		t.Fatalf("c offers = %d, want 1", len(offers))
	}
	if got := offeredTracks(offers[0]); !slices.Equal(got, []string{"a-audio", "b-video"}) {
		t.Fatalf("offered tracks = %v", got)
	}

	time.Sleep(3 * testDelay)
	if n := len(h.offers("c")); n != 1 {
		t.Fatalf("c offers after settle = %d, want 1", n)
	}
	if n := len(h.session("c").Forwarders()); n != 2 {
		t.Fatalf("forwarders into c = %d, want 2", n)
	}
}

func TestDroppedRenegotiationResumesAfterAnswer(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "a")
	h.join("r", "b")

	a := h.session("a")
	a.EmitTrack(coretest.AudioTrack("a-audio", "a"))
	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("b")) == 1 }, "first offer")

	a.EmitTrack(coretest.VideoTrack("a-video", "a"))
	b := h.m.peer("b")
	coretest.Eventually(t, time.Second, b.needsNegotiation.Load, "renegotiation dropped while b is busy")
	if n := len(h.offers("b")); n != 1 {
		t.Fatalf("offer sent while b had a pending offer: %d", n)
	}

	if err := h.m.SetAnswer("b", "b-answer"); err != nil {
		t.Fatal(err)
	}
	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("b")) == 2 }, "resumed offer")
	if got := offeredTracks(h.offers("b")[1]); !slices.Equal(got, []string{"a-audio", "a-video"}) {
		t.Fatalf("resumed offer tracks = %v", got)
	}
}

func TestRemoveClientConcurrentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "a")
	h.join("r", "b")
	h.session("a").EmitTrack(coretest.AudioTrack("a-audio", "a"))
	h.session("a").EmitTrack(coretest.VideoTrack("a-video", "a"))
	coretest.Eventually(t, time.Second, func() bool { return len(h.session("b").Forwarders()) == 2 }, "forwards into b")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if h.m.RemoveClient("a") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("teardowns performed = %d, want 1", wins)
	}
	if n := h.session("a").CloseCount(); n != 1 {
		t.Fatalf("session closed %d times", n)
	}
	if _, ok := h.m.Member("a"); ok {
		t.Fatal("a still registered")
	}
	if got := h.rooms.RoomsOf("a"); len(got) != 0 {
		t.Fatalf("a still in rooms %v", got)
	}
	if n := h.m.ledger.Len(); n != 0 {
		t.Fatalf("ledger entries left: %d", n)
	}

	ended := h.conns["b"].OfType(protocol.TypeTrackEnded)
	var ids []string
	for _, m := range ended {
		ids = append(ids, m["track_id"].(string))
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"a-audio", "a-video"}) {
		t.Fatalf("track_ended ids = %v", ids)
	}
	for _, f := range h.session("b").Forwarders() {
		if !f.Detached() {
			t.Fatalf("forwarder %s into b not detached", f.TrackID())
		}
	}
	if h.m.RemoveClient("a") {
		t.Fatal("RemoveClient after teardown returned true")
	}
}

func TestTerminalConnectionStateTearsDown(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.join("r", "a")
	h.session("a").EmitState(webrtc.PeerConnectionStateFailed)
	coretest.Eventually(t, time.Second, func() bool { return h.m.Count() == 0 }, "peer removed after failure")
	if got := h.rooms.RoomsOf("a"); len(got) != 0 {
		t.Fatalf("a still in rooms %v", got)
	}
}

func TestICE(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	if err := h.m.ICE("ghost", json.RawMessage(`""`)); !errors.Is(err, domain.ErrUnknownClient) {
		t.Fatalf("unknown client err = %v", err)
	}
	if err := h.m.ICE("a", json.RawMessage(`"{{"`)); !errors.Is(err, protocol.ErrBadCandidate) {
		t.Fatalf("garbage err = %v", err)
	}

	host := `"{\"candidate\":\"candidate:1 1 udp 1 192.0.2.1 4000 typ host\",\"sdpMid\":\"0\",\"sdpMLineIndex\":0}"`
	if err := h.m.ICE("a", json.RawMessage(host)); err != nil {
		t.Fatal(err)
	}
	if err := h.m.ICE("a", json.RawMessage(`"{\"candidate\":\"\"}"`)); err != nil {
		t.Fatal(err)
	}
	got := h.session("a").Candidates()
	if len(got) != 2 || got[0] == nil || got[1] != nil {
		t.Fatalf("applied candidates = %v, want one candidate then end-of-candidates", got)
	}
}

func TestLocalCandidatesAreRelayed(t *testing.T) {
	h := newHarness(t)
	conn := h.connect("a")
	mid := "0"
	h.session("a").EmitCandidate(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 4000 typ host", SDPMid: &mid})

	msgs := conn.OfType(protocol.TypeICE)
	if len(msgs) != 1 {
		t.Fatalf("ice messages = %d", len(msgs))
	}
	var c protocol.Candidate
	if err := json.Unmarshal([]byte(msgs[0]["candidate"].(string)), &c); err != nil {
		t.Fatal(err)
	}
	if c.Candidate == "" || c.SDPMid == nil || *c.SDPMid != "0" {
		t.Fatalf("candidate = %+v", c)
	}
}

func TestPruneAfterLeave(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r", "a")
	h.join("r", "b")
	h.session("a").EmitTrack(coretest.AudioTrack("a-audio", "a"))
	coretest.Eventually(t, time.Second, func() bool { return len(h.session("b").Forwarders()) == 1 }, "forward into b")

	if err := h.rooms.Leave("a", "r"); err != nil {
		t.Fatal(err)
	}
	h.m.Prune("a")

	if n := len(h.conns["b"].OfType(protocol.TypeTrackEnded)); n != 1 {
		t.Fatalf("track_ended to b = %d, want 1", n)
	}
	if !h.session("b").Forwarders()[0].Detached() {
		t.Fatal("forwarder not detached")
	}
	if _, ok := h.m.Member("a"); !ok {
		t.Fatal("leaving a room must keep the client registered")
	}
}

func TestRejoinPushesOwnTracksToNewNeighbors(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.join("r1", "a")
	h.session("a").EmitTrack(coretest.AudioTrack("a-audio", "a"))
	settle()
	h.join("r2", "b")

	h.join("r2", "a")
	coretest.Eventually(t, time.Second, func() bool { return len(h.offers("b")) == 1 }, "b offered a's earlier track")
	if got := offeredTracks(h.offers("b")[0]); !slices.Equal(got, []string{"a-audio"}) {
		t.Fatalf("offered tracks = %v", got)
	}
}
