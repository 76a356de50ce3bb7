package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vartalabh/vartalap/wire"
)

// Peer represents an individual websocket session into the hub. The peer
// ID is assigned by the transport layer at upgrade time and identifies the
// session in every room it joins.
type Peer struct {
	ID string

	ws  *websocket.Conn
	hub *Hub

	// Channel for outbound messages.
	dataQ     chan []byte
	closeOnce sync.Once
}

// NewPeer returns a new instance of Peer for a WS connection.
func NewPeer(id string, ws *websocket.Conn, h *Hub) *Peer {
	return &Peer{
		ID:    id,
		ws:    ws,
		hub:   h,
		dataQ: make(chan []byte, h.cfg.MaxMessageQueue),
	}
}

// RunListener is a blocking function that reads incoming envelopes from
// the peer's WS connection and dispatches them to the hub until the
// connection drops. A dropped connection is an implicit leave from every
// room. This should be invoked as a goroutine.
func (p *Peer) RunListener() {
	p.ws.SetReadLimit(int64(p.hub.cfg.MaxMessageLen))
	p.ws.SetReadDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
		return nil
	})

	for {
		var env wire.Envelope
		if err := p.ws.ReadJSON(&env); err != nil {
			break
		}
		p.processMessage(env)
	}

	p.ws.Close()
	p.hub.DisconnectAll(p)
}

// RunWriter is a blocking function that writes queued messages to the
// peer's WS connection, interleaved with keepalive pings. This should be
// invoked as a goroutine.
func (p *Peer) RunWriter() {
	ping := time.NewTicker(p.hub.cfg.WSTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case message, ok := <-p.dataQ:
			if !ok {
				p.writeWSData(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ping.C:
			if err := p.writeWSData(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues an enveloped message to be written to the peer's WS. The
// queue never blocks the hub; messages to a saturated peer are dropped.
func (p *Peer) Send(typ, room string, data interface{}) {
	b, err := wire.Marshal(typ, room, data)
	if err != nil {
		p.hub.log.Printf("error marshalling %s to %s: %v", typ, p.ID, err)
		return
	}
	select {
	case p.dataQ <- b:
	default:
		p.hub.log.Printf("dropping %s to %s: queue full", typ, p.ID)
	}
}

// close shuts the outbound queue, terminating RunWriter. Safe to call
// more than once.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.dataQ)
	})
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(time.Now().Add(p.hub.cfg.WSTimeout))
	return p.ws.WriteMessage(msgType, payload)
}

// processMessage dispatches a single incoming envelope. Malformed input
// from one session is dropped without affecting any other session.
func (p *Peer) processMessage(env wire.Envelope) {
	switch env.Type {
	case wire.TypeJoin:
		var req wire.JoinReq
		if env.Data != nil {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				p.hub.log.Printf("bad join payload from %s: %v", p.ID, err)
				return
			}
		}
		if env.Room == "" {
			return
		}
		// Outcome envelopes are emitted by the hub; a full room is not
		// an error at this level.
		p.hub.Join(env.Room, p, req.DisplayName)

	case wire.TypeLeave:
		if env.Room == "" {
			return
		}
		p.hub.Leave(env.Room, p.ID)

	case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate:
		var req wire.SignalReq
		if err := json.Unmarshal(env.Data, &req); err != nil {
			p.hub.log.Printf("bad %s payload from %s: %v", env.Type, p.ID, err)
			return
		}
		p.hub.Relay(env.Type, env.Room, p, req.Target, req.Payload)

	default:
		p.hub.log.Printf("unknown message type %q from %s", env.Type, p.ID)
	}
}
