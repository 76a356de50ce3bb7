package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vartalabh/vartalap/wire"
)

// peerConn is the orchestrator's view of one remote peer: the media
// connection, its lifecycle state and the candidates buffered while no
// remote description is set yet.
type peerConn struct {
	id          string
	displayName string

	conn          Conn
	state         ConnState
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
}

// Orchestrator drives one peer connection per remote room member through
// the offer/answer/candidate exchange. One instance per room session.
// Signaling events are consumed sequentially by Run; user-initiated
// actions (leave, toggles) may race with them, so every mutation guards
// on the connection still being tracked.
type Orchestrator struct {
	send      Sender
	transport Transport
	capture   Capture
	sinks     SinkRegistry
	log       *log.Logger

	mut    sync.Mutex
	room   string
	name   string
	stream *LocalStream
	conns  map[string]*peerConn

	errs chan error
}

// New returns an orchestrator. sinks may be nil for a headless
// participant.
func New(send Sender, transport Transport, capture Capture, sinks SinkRegistry, l *log.Logger) *Orchestrator {
	if sinks == nil {
		sinks = DiscardSinks{}
	}
	return &Orchestrator{
		send:      send,
		transport: transport,
		capture:   capture,
		sinks:     sinks,
		log:       l,
		conns:     make(map[string]*peerConn),
		errs:      make(chan error, 8),
	}
}

// JoinRoom requests membership in a room. The outcome (created, joined,
// full) arrives on the event stream handled by Run.
func (o *Orchestrator) JoinRoom(room, displayName string) error {
	o.mut.Lock()
	o.room = room
	o.name = displayName
	o.mut.Unlock()
	return o.send.Send(wire.TypeJoin, room, wire.JoinReq{DisplayName: displayName})
}

// Run consumes signaling events until the channel closes or the context
// is cancelled. This is the only goroutine that handles signaling, so
// handlers never run concurrently with each other.
func (o *Orchestrator) Run(ctx context.Context, events <-chan wire.Envelope) {
	for {
		select {
		case <-ctx.Done():
			o.LeaveRoom()
			return
		case env, ok := <-events:
			if !ok {
				// Transport disconnect: tear down local state the same
				// way a leave would.
				o.LeaveRoom()
				return
			}
			o.dispatch(ctx, env)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeCreated, wire.TypeJoined:
		o.handleRoomReady(ctx)

	case wire.TypeFull:
		// Abandon the attempt; no retry.
		o.reportErr(fmt.Errorf("room %s is full", env.Room))

	case wire.TypePeerList:
		var roster []wire.PeerInfo
		if err := json.Unmarshal(env.Data, &roster); err != nil {
			o.log.Printf("bad peer-list payload: %v", err)
			return
		}
		o.handleRoster(roster)

	case wire.TypePeerJoined:
		var p wire.PeerInfo
		if err := json.Unmarshal(env.Data, &p); err != nil {
			o.log.Printf("bad peer-joined payload: %v", err)
			return
		}
		// The new joiner offers to us; nothing to initiate here.
		o.log.Printf("peer joined: %s@%s", p.DisplayName, p.ID)

	case wire.TypePeerLeft:
		var p wire.PeerLeft
		if err := json.Unmarshal(env.Data, &p); err != nil {
			o.log.Printf("bad peer-left payload: %v", err)
			return
		}
		o.handlePeerLeft(p.ID)

	case wire.TypeOffer:
		ev, err := decodeSignal(env.Data)
		if err != nil {
			o.log.Printf("bad offer payload: %v", err)
			return
		}
		o.handleOffer(ev)

	case wire.TypeAnswer:
		ev, err := decodeSignal(env.Data)
		if err != nil {
			o.log.Printf("bad answer payload: %v", err)
			return
		}
		o.handleAnswer(ev)

	case wire.TypeCandidate:
		ev, err := decodeSignal(env.Data)
		if err != nil {
			o.log.Printf("bad candidate payload: %v", err)
			return
		}
		o.handleCandidate(ev)

	default:
		o.log.Printf("unknown event type %q", env.Type)
	}
}

func decodeSignal(data json.RawMessage) (wire.SignalEvent, error) {
	var ev wire.SignalEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// handleRoomReady acquires the local stream on entering a room. The
// stream must exist before any offer is created; if acquisition fails the
// join is abandoned and reported, not retried.
func (o *Orchestrator) handleRoomReady(ctx context.Context) {
	o.mut.Lock()
	if o.stream != nil || o.room == "" {
		o.mut.Unlock()
		return
	}
	room := o.room
	o.mut.Unlock()

	stream, err := o.capture(ctx, Constraints{Audio: true, Video: true, Width: 500, Height: 500})
	if err != nil {
		o.send.Send(wire.TypeLeave, room, nil)
		o.reportErr(fmt.Errorf("error acquiring local media: %w", err))
		return
	}

	o.mut.Lock()
	if o.room == "" {
		// A leave landed while capture was in flight; the stream is
		// this handler's to release.
		o.mut.Unlock()
		stream.Stop()
		return
	}
	o.stream = stream
	o.mut.Unlock()
}

// handleRoster makes an offer to every rostered peer not already
// tracked. Duplicate rosters are harmless.
func (o *Orchestrator) handleRoster(roster []wire.PeerInfo) {
	o.mut.Lock()
	defer o.mut.Unlock()

	if o.stream == nil {
		// Media acquisition failed; no connections are attempted.
		return
	}
	for _, p := range roster {
		o.makeOffer(p.ID, p.DisplayName)
	}
}

// makeOffer creates a connection for a peer and sends it an addressed
// offer. A peer that's already tracked is a no-op, which makes duplicate
// roster and peer-joined notifications safe. Callers must hold the lock.
func (o *Orchestrator) makeOffer(peerID, displayName string) {
	if _, ok := o.conns[peerID]; ok {
		return
	}

	pc, err := o.newPeerConn(peerID, displayName)
	if err != nil {
		o.log.Printf("error creating connection for %s: %v", peerID, err)
		return
	}
	o.conns[peerID] = pc

	offer, err := pc.conn.CreateOffer()
	if err != nil {
		o.log.Printf("error creating offer for %s: %v", peerID, err)
		o.closeLocked(peerID)
		return
	}
	pc.state = StateOfferSent

	o.sendSignal(wire.TypeOffer, peerID, offer)
}

// handleOffer answers an incoming offer. If a connection for the sender
// already exists the offer is ignored: first offer wins, no rollback.
func (o *Orchestrator) handleOffer(ev wire.SignalEvent) {
	o.mut.Lock()
	defer o.mut.Unlock()

	if _, ok := o.conns[ev.From]; ok {
		o.log.Printf("ignoring offer from %s: connection exists", ev.From)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(ev.Payload, &offer); err != nil {
		o.log.Printf("bad offer from %s: %v", ev.From, err)
		return
	}

	pc, err := o.newPeerConn(ev.From, ev.FromName)
	if err != nil {
		o.log.Printf("error creating connection for %s: %v", ev.From, err)
		return
	}
	o.conns[ev.From] = pc
	pc.state = StateOfferReceived

	answer, err := pc.conn.CreateAnswer(offer)
	if err != nil {
		o.log.Printf("error answering offer from %s: %v", ev.From, err)
		o.closeLocked(ev.From)
		return
	}
	pc.remoteDescSet = true
	o.flushCandidates(pc)
	pc.state = StateAnswerPending

	o.sendSignal(wire.TypeAnswer, ev.From, answer)
}

// handleAnswer applies a remote answer to a connection awaiting one.
// Anything else is a stale or duplicate answer: dropped and logged.
func (o *Orchestrator) handleAnswer(ev wire.SignalEvent) {
	o.mut.Lock()
	defer o.mut.Unlock()

	pc, ok := o.conns[ev.From]
	if !ok || pc.state != StateOfferSent {
		o.log.Printf("dropping stale answer from %s", ev.From)
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(ev.Payload, &answer); err != nil {
		o.log.Printf("bad answer from %s: %v", ev.From, err)
		return
	}
	if err := pc.conn.SetRemoteDescription(answer); err != nil {
		o.log.Printf("error applying answer from %s: %v", ev.From, err)
		return
	}
	pc.remoteDescSet = true
	o.flushCandidates(pc)
	pc.state = StateAnswerPending
}

// handleCandidate applies a trickled candidate, buffering it while the
// connection has no remote description yet.
func (o *Orchestrator) handleCandidate(ev wire.SignalEvent) {
	o.mut.Lock()
	defer o.mut.Unlock()

	pc, ok := o.conns[ev.From]
	if !ok {
		o.log.Printf("dropping candidate from %s: no connection", ev.From)
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(ev.Payload, &cand); err != nil {
		o.log.Printf("bad candidate from %s: %v", ev.From, err)
		return
	}

	if !pc.remoteDescSet {
		pc.pending = append(pc.pending, cand)
		return
	}
	if err := pc.conn.AddICECandidate(cand); err != nil {
		o.log.Printf("error adding candidate from %s: %v", ev.From, err)
	}
}

// flushCandidates applies candidates buffered before the remote
// description was set. Callers must hold the lock.
func (o *Orchestrator) flushCandidates(pc *peerConn) {
	for _, cand := range pc.pending {
		if err := pc.conn.AddICECandidate(cand); err != nil {
			o.log.Printf("error adding buffered candidate from %s: %v", pc.id, err)
		}
	}
	pc.pending = nil
}

// handlePeerLeft tears down the departed peer's connection. Idempotent.
func (o *Orchestrator) handlePeerLeft(peerID string) {
	o.mut.Lock()
	defer o.mut.Unlock()
	o.closeLocked(peerID)
}

// closeLocked closes and discards one tracked connection and releases
// its video sink. Closing an absent connection is a no-op. Callers must
// hold the lock.
func (o *Orchestrator) closeLocked(peerID string) {
	pc, ok := o.conns[peerID]
	if !ok {
		return
	}
	delete(o.conns, peerID)
	pc.state = StateClosed
	if err := pc.conn.Close(); err != nil {
		o.log.Printf("error closing connection to %s: %v", peerID, err)
	}
	o.sinks.Release(peerID)
}

// LeaveRoom closes every tracked connection, stops the local stream and
// notifies the server. Safe to call more than once and concurrently with
// in-flight signaling.
func (o *Orchestrator) LeaveRoom() {
	o.mut.Lock()
	room := o.room
	o.room = ""
	for id := range o.conns {
		o.closeLocked(id)
	}
	stream := o.stream
	o.stream = nil
	o.mut.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if room != "" {
		o.send.Send(wire.TypeLeave, room, nil)
	}
}

// ToggleMic flips the microphone flag and returns the new state. A local
// presentation toggle; no renegotiation happens.
func (o *Orchestrator) ToggleMic() bool {
	o.mut.Lock()
	stream := o.stream
	o.mut.Unlock()
	if stream == nil {
		return false
	}
	on := !stream.MicEnabled()
	stream.SetMicEnabled(on)
	return on
}

// ToggleCamera flips the camera flag and returns the new state.
func (o *Orchestrator) ToggleCamera() bool {
	o.mut.Lock()
	stream := o.stream
	o.mut.Unlock()
	if stream == nil {
		return false
	}
	on := !stream.CameraEnabled()
	stream.SetCameraEnabled(on)
	return on
}

// Peers returns the tracked remote peers and their connection states.
func (o *Orchestrator) Peers() map[string]ConnState {
	o.mut.Lock()
	defer o.mut.Unlock()

	out := make(map[string]ConnState, len(o.conns))
	for id, pc := range o.conns {
		out[id] = pc.state
	}
	return out
}

// Errors surfaces conditions that abort the session: room full, media
// acquisition failure.
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

func (o *Orchestrator) reportErr(err error) {
	select {
	case o.errs <- err:
	default:
	}
}

// newPeerConn creates a transport connection for a remote peer, fans out
// the local tracks and wires the trickle-ICE, remote-track and
// connected callbacks. Callbacks fire from transport goroutines; each
// one re-checks that the peer is still tracked. Callers must hold the
// lock.
func (o *Orchestrator) newPeerConn(peerID, displayName string) (*peerConn, error) {
	conn, err := o.transport.NewConn()
	if err != nil {
		return nil, err
	}
	pc := &peerConn{
		id:          peerID,
		displayName: displayName,
		conn:        conn,
		state:       StateIdle,
	}

	if o.stream != nil {
		for _, t := range o.stream.Tracks() {
			if err := conn.AddTrack(t); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}

	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		b, err := json.Marshal(cand)
		if err != nil {
			return
		}
		o.mut.Lock()
		room := o.room
		tracked := o.conns[peerID] == pc
		o.mut.Unlock()
		if !tracked {
			return
		}
		o.send.Send(wire.TypeCandidate, room, wire.SignalReq{Target: peerID, Payload: b})
	})

	conn.OnTrack(func(track *webrtc.TrackRemote) {
		o.sinks.AddTrack(peerID, track)
	})

	conn.OnConnected(func() {
		o.mut.Lock()
		defer o.mut.Unlock()
		// A superseding close makes this a stale no-op.
		if o.conns[peerID] != pc {
			return
		}
		pc.state = StateConnected
		o.log.Printf("connected to %s@%s", displayName, peerID)
	})

	return pc, nil
}

// sendSignal marshals and sends an addressed SDP message. Callers must
// hold the lock (for the room name).
func (o *Orchestrator) sendSignal(kind, target string, desc webrtc.SessionDescription) {
	b, err := json.Marshal(desc)
	if err != nil {
		o.log.Printf("error marshalling %s for %s: %v", kind, target, err)
		return
	}
	if err := o.send.Send(kind, o.room, wire.SignalReq{Target: target, Payload: b}); err != nil {
		o.log.Printf("error sending %s to %s: %v", kind, target, err)
	}
}
