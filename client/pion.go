package client

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PionConfig holds the ICE servers used by pion peer connections.
type PionConfig struct {
	STUNServers  []string
	TURNServers  []string
	TURNUsername string
	TURNPassword string
}

// PionTransport is the production Transport backed by pion/webrtc.
type PionTransport struct {
	cfg PionConfig
}

// NewPionTransport returns a transport that dials through the given ICE
// servers. With no STUN servers configured, Google's public one is used.
func NewPionTransport(cfg PionConfig) *PionTransport {
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionTransport{cfg: cfg}
}

// NewConn creates a new pion peer connection.
func (t *PionTransport) NewConn() (Conn, error) {
	iceServers := []webrtc.ICEServer{{URLs: t.cfg.STUNServers}}
	if len(t.cfg.TURNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       t.cfg.TURNServers,
			Username:   t.cfg.TURNUsername,
			Credential: t.cfg.TURNPassword,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

// pionConn adapts *webrtc.PeerConnection to the Conn interface.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(t webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(t)
	return err
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error creating offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error setting local description: %w", err)
	}
	return *c.pc.LocalDescription(), nil
}

func (c *pionConn) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error setting remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error creating answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error setting local description: %w", err)
	}
	return *c.pc.LocalDescription(), nil
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of candidate gathering.
		if cand == nil {
			return
		}
		f(cand.ToJSON())
	})
}

func (c *pionConn) OnTrack(f func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (c *pionConn) OnConnected(f func()) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			f()
		}
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
