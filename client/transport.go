package client

import "github.com/pion/webrtc/v4"

// ConnState is the lifecycle state of one remote peer's connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerPending
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one peer-to-peer media connection as the orchestrator sees it.
// The production implementation wraps a pion PeerConnection; tests use a
// fake.
type Conn interface {
	// AddTrack attaches a local track for fan-out to the remote peer.
	AddTrack(t webrtc.TrackLocal) error

	// CreateOffer generates the local session description and sets it.
	CreateOffer() (webrtc.SessionDescription, error)

	// CreateAnswer applies the remote offer, then generates and sets
	// the local answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// SetRemoteDescription applies the remote answer.
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// AddICECandidate applies a remote ICE candidate. The underlying
	// transport rejects candidates that arrive before a remote
	// description; the orchestrator buffers those instead.
	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate registers the callback for locally discovered
	// candidates (trickle ICE).
	OnICECandidate(f func(webrtc.ICECandidateInit))

	// OnTrack registers the callback for arriving remote tracks.
	OnTrack(f func(*webrtc.TrackRemote))

	// OnConnected registers the callback fired once media flows.
	OnConnected(f func())

	Close() error
}

// Transport creates peer connections.
type Transport interface {
	NewConn() (Conn, error)
}
