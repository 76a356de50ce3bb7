// Package client implements a participant in a signaling room: the
// websocket signaling channel, the local media stream handle and the
// per-peer connection orchestration that bootstraps a full mesh of
// peer-to-peer media connections. Media never touches the server; only
// connection setup does.
package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vartalabh/vartalap/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Sender is the outbound half of the signaling channel as seen by the
// orchestrator.
type Sender interface {
	Send(typ, room string, data interface{}) error
}

// Signaler manages the websocket connection to the signaling server.
type Signaler struct {
	conn      *websocket.Conn
	serverURL string
	incoming  chan wire.Envelope
	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSignaler creates a new signaling client for the given ws:// URL.
func NewSignaler(serverURL string) *Signaler {
	return &Signaler{
		serverURL: serverURL,
		incoming:  make(chan wire.Envelope, 32),
		outgoing:  make(chan []byte, 32),
		done:      make(chan struct{}),
	}
}

// Connect establishes the websocket connection and starts the read and
// write pumps.
func (s *Signaler) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.serverURL, nil)
	if err != nil {
		return fmt.Errorf("error connecting to signaling server: %w", err)
	}
	s.conn = conn

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readPump()
	go s.writePump()
	return nil
}

// readPump reads envelopes from the websocket until it drops. Closing
// the incoming channel is the disconnect signal to the consumer.
func (s *Signaler) readPump() {
	defer func() {
		s.conn.Close()
		close(s.incoming)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env wire.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case s.incoming <- env:
		case <-s.done:
			// Nobody is consuming events anymore.
			return
		}
	}
}

// writePump writes queued messages to the websocket and sends periodic
// pings.
func (s *Signaler) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case b := <-s.outgoing:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Send queues an enveloped message to the server.
func (s *Signaler) Send(typ, room string, data interface{}) error {
	b, err := wire.Marshal(typ, room, data)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("signaler is closed")
	default:
	}
	select {
	case s.outgoing <- b:
		return nil
	case <-s.done:
		return fmt.Errorf("signaler is closed")
	}
}

// SendSignal queues an offer / answer / ice-candidate, optionally
// addressed to a single peer.
func (s *Signaler) SendSignal(kind, room, target string, payload json.RawMessage) error {
	return s.Send(kind, room, wire.SignalReq{Target: target, Payload: payload})
}

// Events returns the channel of incoming envelopes. The channel closes
// when the connection drops.
func (s *Signaler) Events() <-chan wire.Envelope {
	return s.incoming
}

// Close shuts down the connection and stops both pumps.
func (s *Signaler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
