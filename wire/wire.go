// Package wire defines the messages exchanged over the signaling channel
// between participants and the relay server. The channel carries connection
// setup traffic only, never media.
package wire

import "encoding/json"

// Types of messages on the signaling channel.
const (
	TypeJoin       = "join"
	TypeCreated    = "created"
	TypeJoined     = "joined"
	TypeFull       = "full"
	TypePeerList   = "peer-list"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "ice-candidate"
	TypeLeave      = "leave"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinReq is the client payload for a join message.
type JoinReq struct {
	DisplayName string `json:"display_name"`
}

// SignalReq is the client payload for offer / answer / ice-candidate
// messages. Payload (SDP or ICE) is opaque to the server. Target, if set,
// addresses a single peer in the room; otherwise the message is broadcast
// to every other member.
type SignalReq struct {
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SignalEvent is a relayed offer / answer / ice-candidate as delivered to
// a recipient. The server stamps From (and FromName on offers) so the
// recipient can tie the payload to the right peer connection.
type SignalEvent struct {
	From     string          `json:"from"`
	FromName string          `json:"from_name,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// PeerInfo identifies a room member in peer-list and peer-joined events.
type PeerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// PeerLeft is the payload of a peer-left event.
type PeerLeft struct {
	ID string `json:"id"`
}

// Marshal wraps data in an Envelope of the given type and returns the
// encoded bytes.
func Marshal(typ, room string, data interface{}) ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if data != nil {
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: typ, Room: room, Data: raw})
}
