package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/vartalabh/vartalap/wire"
)

var testLogger = log.New(io.Discard, "", 0)

// fakeSender records everything the orchestrator sends.
type fakeSender struct {
	mut  sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	typ, room string
	data      interface{}
}

func (f *fakeSender) Send(typ, room string, data interface{}) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.sent = append(f.sent, sentMsg{typ, room, data})
	return nil
}

func (f *fakeSender) byType(typ string) []sentMsg {
	f.mut.Lock()
	defer f.mut.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.typ == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeConn records transport operations and lets tests fire callbacks.
type fakeConn struct {
	mut        sync.Mutex
	tracks     int
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool

	onConnected func()
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.tracks++
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.remoteDesc = &offer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.remoteDesc = &desc
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {}
func (c *fakeConn) OnTrack(f func(*webrtc.TrackRemote))            {}
func (c *fakeConn) OnConnected(f func())                           { c.onConnected = f }

func (c *fakeConn) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closed = true
	return nil
}

type fakeTransport struct {
	mut   sync.Mutex
	conns []*fakeConn
}

func (t *fakeTransport) NewConn() (Conn, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	c := &fakeConn{}
	t.conns = append(t.conns, c)
	return c, nil
}

// fakeSinks counts releases.
type fakeSinks struct {
	mut      sync.Mutex
	released []string
}

func (s *fakeSinks) AddTrack(peerID string, track *webrtc.TrackRemote) {}
func (s *fakeSinks) Release(peerID string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.released = append(s.released, peerID)
}

func okCapture(stops *int) Capture {
	return func(ctx context.Context, c Constraints) (*LocalStream, error) {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
		if err != nil {
			return nil, err
		}
		return NewLocalStream([]webrtc.TrackLocal{track}, func() {
			if stops != nil {
				*stops++
			}
		}), nil
	}
}

func newTestOrch(t *testing.T) (*Orchestrator, *fakeSender, *fakeTransport, *fakeSinks) {
	t.Helper()
	send := &fakeSender{}
	tr := &fakeTransport{}
	sinks := &fakeSinks{}
	o := New(send, tr, okCapture(nil), sinks, testLogger)
	if err := o.JoinRoom("alpha", "me"); err != nil {
		t.Fatal(err)
	}
	o.handleRoomReady(context.Background())
	return o, send, tr, sinks
}

func sdpPayload(t *testing.T, typ webrtc.SDPType, sdp string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRosterTriggersOffers(t *testing.T) {
	o, send, tr, _ := newTestOrch(t)

	o.handleRoster([]wire.PeerInfo{{ID: "p1", DisplayName: "One"}, {ID: "p2", DisplayName: "Two"}})

	peers := o.Peers()
	if len(peers) != 2 || peers["p1"] != StateOfferSent || peers["p2"] != StateOfferSent {
		t.Fatalf("unexpected peer states: %v", peers)
	}

	offers := send.byType(wire.TypeOffer)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	targets := map[string]bool{}
	for _, m := range offers {
		req := m.data.(wire.SignalReq)
		if req.Target == "" {
			t.Fatalf("offer not addressed: %+v", req)
		}
		targets[req.Target] = true
	}
	if !targets["p1"] || !targets["p2"] {
		t.Fatalf("offers addressed to %v", targets)
	}

	// Local tracks are fanned out to every connection.
	for _, c := range tr.conns {
		if c.tracks != 1 {
			t.Fatalf("connection got %d tracks, want 1", c.tracks)
		}
	}
}

func TestDuplicateRosterIsNoop(t *testing.T) {
	o, send, tr, _ := newTestOrch(t)

	roster := []wire.PeerInfo{{ID: "p1", DisplayName: "One"}}
	o.handleRoster(roster)
	o.handleRoster(roster)

	if len(tr.conns) != 1 {
		t.Fatalf("duplicate roster created %d connections", len(tr.conns))
	}
	if got := send.byType(wire.TypeOffer); len(got) != 1 {
		t.Fatalf("duplicate roster sent %d offers", len(got))
	}
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	o, send, tr, _ := newTestOrch(t)

	o.handleOffer(wire.SignalEvent{
		From:     "p1",
		FromName: "One",
		Payload:  sdpPayload(t, webrtc.SDPTypeOffer, "v=0 their-offer"),
	})

	if got := o.Peers()["p1"]; got != StateAnswerPending {
		t.Fatalf("state %v, want answer-pending", got)
	}

	answers := send.byType(wire.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if req := answers[0].data.(wire.SignalReq); req.Target != "p1" {
		t.Fatalf("answer addressed to %q", req.Target)
	}

	c := tr.conns[0]
	if c.remoteDesc == nil || c.remoteDesc.SDP != "v=0 their-offer" {
		t.Fatalf("remote description not applied: %+v", c.remoteDesc)
	}

	// Media starts flowing.
	c.onConnected()
	if got := o.Peers()["p1"]; got != StateConnected {
		t.Fatalf("state %v after connect, want connected", got)
	}
}

func TestGlareFirstOfferWins(t *testing.T) {
	o, send, tr, _ := newTestOrch(t)

	o.handleRoster([]wire.PeerInfo{{ID: "p1", DisplayName: "One"}})

	// p1 offered simultaneously; our connection exists so theirs is
	// ignored and no answer goes out.
	o.handleOffer(wire.SignalEvent{
		From:    "p1",
		Payload: sdpPayload(t, webrtc.SDPTypeOffer, "v=0 glare"),
	})

	if len(tr.conns) != 1 {
		t.Fatalf("glare created a second connection")
	}
	if got := o.Peers()["p1"]; got != StateOfferSent {
		t.Fatalf("state %v, want offer-sent", got)
	}
	if got := send.byType(wire.TypeAnswer); len(got) != 0 {
		t.Fatalf("answered a glare offer")
	}
}

func TestStaleAnswerIsDropped(t *testing.T) {
	o, _, tr, _ := newTestOrch(t)

	// No connection at all.
	o.handleAnswer(wire.SignalEvent{From: "ghost", Payload: sdpPayload(t, webrtc.SDPTypeAnswer, "x")})
	if len(o.Peers()) != 0 {
		t.Fatalf("stale answer created state")
	}

	// Connection exists but already answered: duplicate is dropped.
	o.handleRoster([]wire.PeerInfo{{ID: "p1"}})
	o.handleAnswer(wire.SignalEvent{From: "p1", Payload: sdpPayload(t, webrtc.SDPTypeAnswer, "first")})
	o.handleAnswer(wire.SignalEvent{From: "p1", Payload: sdpPayload(t, webrtc.SDPTypeAnswer, "second")})

	if tr.conns[0].remoteDesc.SDP != "first" {
		t.Fatalf("duplicate answer applied: %+v", tr.conns[0].remoteDesc)
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	o, _, tr, _ := newTestOrch(t)

	o.handleRoster([]wire.PeerInfo{{ID: "p1"}})

	candidate := func(s string) json.RawMessage {
		b, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
		return b
	}

	// Candidates trickle in before the answer.
	o.handleCandidate(wire.SignalEvent{From: "p1", Payload: candidate("early-1")})
	o.handleCandidate(wire.SignalEvent{From: "p1", Payload: candidate("early-2")})

	c := tr.conns[0]
	if len(c.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", c.candidates)
	}

	o.handleAnswer(wire.SignalEvent{From: "p1", Payload: sdpPayload(t, webrtc.SDPTypeAnswer, "v=0")})
	if len(c.candidates) != 2 {
		t.Fatalf("buffered candidates not flushed: %v", c.candidates)
	}
	if c.candidates[0].Candidate != "early-1" || c.candidates[1].Candidate != "early-2" {
		t.Fatalf("candidates flushed out of order: %v", c.candidates)
	}

	// Later candidates apply straight away.
	o.handleCandidate(wire.SignalEvent{From: "p1", Payload: candidate("late")})
	if len(c.candidates) != 3 {
		t.Fatalf("late candidate not applied: %v", c.candidates)
	}
}

func TestCandidateFromUnknownPeerIsDropped(t *testing.T) {
	o, _, tr, _ := newTestOrch(t)

	b, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "x"})
	o.handleCandidate(wire.SignalEvent{From: "ghost", Payload: b})

	if len(tr.conns) != 0 || len(o.Peers()) != 0 {
		t.Fatalf("stale candidate created state")
	}
}

func TestPeerLeftClosesConnection(t *testing.T) {
	o, _, tr, sinks := newTestOrch(t)

	o.handleRoster([]wire.PeerInfo{{ID: "p1"}})
	o.handlePeerLeft("p1")

	if !tr.conns[0].closed {
		t.Fatalf("connection not closed on peer-left")
	}
	if len(o.Peers()) != 0 {
		t.Fatalf("departed peer still tracked")
	}
	if len(sinks.released) != 1 || sinks.released[0] != "p1" {
		t.Fatalf("sink not released: %v", sinks.released)
	}

	// Closing an absent connection is a no-op.
	o.handlePeerLeft("p1")
	if len(sinks.released) != 1 {
		t.Fatalf("double release: %v", sinks.released)
	}
}

func TestLeaveRoomStopsStreamOnce(t *testing.T) {
	stops := 0
	send := &fakeSender{}
	tr := &fakeTransport{}
	o := New(send, tr, okCapture(&stops), &fakeSinks{}, testLogger)
	o.JoinRoom("alpha", "me")
	o.handleRoomReady(context.Background())
	o.handleRoster([]wire.PeerInfo{{ID: "p1"}, {ID: "p2"}})

	o.LeaveRoom()
	o.LeaveRoom()

	if stops != 1 {
		t.Fatalf("stream stopped %d times, want exactly once", stops)
	}
	for _, c := range tr.conns {
		if !c.closed {
			t.Fatalf("connection left open after leave")
		}
	}
	if got := send.byType(wire.TypeLeave); len(got) != 1 {
		t.Fatalf("sent %d leaves, want 1", len(got))
	}
}

// A leave landing while media capture is still in flight must release
// the stream the capture eventually hands back.
func TestLeaveDuringCaptureStopsStream(t *testing.T) {
	stops := 0
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(ctx context.Context, c Constraints) (*LocalStream, error) {
		close(started)
		<-release
		return NewLocalStream(nil, func() { stops++ }), nil
	}

	send := &fakeSender{}
	o := New(send, &fakeTransport{}, blocking, nil, testLogger)
	o.JoinRoom("alpha", "me")

	done := make(chan struct{})
	go func() {
		o.handleRoomReady(context.Background())
		close(done)
	}()

	<-started
	o.LeaveRoom()
	close(release)
	<-done

	if stops != 1 {
		t.Fatalf("stream stopped %d times after leave, want exactly 1", stops)
	}

	// The stream was never adopted, so another leave can't stop it again.
	o.LeaveRoom()
	if stops != 1 {
		t.Fatalf("stream stopped %d times, want exactly 1", stops)
	}
}

func TestCaptureFailureAbortsJoin(t *testing.T) {
	send := &fakeSender{}
	tr := &fakeTransport{}
	failing := func(ctx context.Context, c Constraints) (*LocalStream, error) {
		return nil, errors.New("permission denied")
	}
	o := New(send, tr, failing, nil, testLogger)
	o.JoinRoom("alpha", "me")

	o.handleRoomReady(context.Background())

	select {
	case err := <-o.Errors():
		if err == nil {
			t.Fatal("nil error reported")
		}
	default:
		t.Fatal("capture failure not reported upward")
	}
	if got := send.byType(wire.TypeLeave); len(got) != 1 {
		t.Fatalf("join flow not abandoned: %d leaves", len(got))
	}

	// A roster arriving afterwards must not start connections.
	o.handleRoster([]wire.PeerInfo{{ID: "p1"}})
	if len(tr.conns) != 0 {
		t.Fatalf("offered without a local stream")
	}
}

func TestRoomFullReportedUpward(t *testing.T) {
	o, _, _, _ := newTestOrch(t)

	o.dispatch(context.Background(), wire.Envelope{Type: wire.TypeFull, Room: "alpha"})

	select {
	case err := <-o.Errors():
		if err == nil {
			t.Fatal("nil error reported")
		}
	default:
		t.Fatal("room-full not reported upward")
	}
}

func TestTogglesDontTouchConnections(t *testing.T) {
	o, _, _, _ := newTestOrch(t)
	o.handleRoster([]wire.PeerInfo{{ID: "p1"}})

	if on := o.ToggleMic(); on {
		t.Fatal("mic should be off after first toggle")
	}
	if on := o.ToggleCamera(); on {
		t.Fatal("camera should be off after first toggle")
	}
	if on := o.ToggleMic(); !on {
		t.Fatal("mic should be back on")
	}

	if got := o.Peers()["p1"]; got != StateOfferSent {
		t.Fatalf("toggle changed connection state to %v", got)
	}
}
