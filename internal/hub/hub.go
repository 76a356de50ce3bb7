package hub

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/vartalabh/vartalap/wire"
)

// ErrRoomFull is returned by Join when the room has no free slot.
var ErrRoomFull = errors.New("room is full")

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`

	Name            string        `koanf:"name"`
	PeerIDLen       int           `koanf:"peer_id_length"`
	MaxPeersPerRoom int           `koanf:"max_peers_per_room"`
	MaxMessageLen   int           `koanf:"max_message_length"`
	MaxMessageQueue int           `koanf:"max_message_queue"`
	WSTimeout       time.Duration `koanf:"websocket_timeout"`
}

// RoomInfo is a point-in-time snapshot of a room for introspection.
type RoomInfo struct {
	Name  string `json:"name"`
	Peers int    `json:"peers"`
}

// Hub is the authority for room membership and the relay for signaling
// messages. Rooms come into existence on first join and are garbage once
// their last member leaves. All membership mutations across all rooms are
// serialized by a single mutex so a capacity check and the join it guards
// can never interleave with another join on the same room.
type Hub struct {
	rooms map[string]*Room

	cfg *Config
	mut sync.RWMutex
	log *log.Logger
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, l *log.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*Room),
		cfg:   cfg,
		log:   l,
	}
}

// Join adds a peer to a room, creating the room if it doesn't exist.
// The first member gets a `created` reply, subsequent members get `joined`
// followed by the roster, and every existing member is notified with
// `peer-joined`. A full room replies `full` to the caller alone, mutates
// nothing, and notifies nobody. A member rejoining its own room gets
// `joined` and the roster again.
func (h *Hub) Join(roomName string, p *Peer, displayName string) error {
	h.mut.Lock()
	defer h.mut.Unlock()

	r, ok := h.rooms[roomName]
	if !ok {
		r = newRoom(roomName)
		h.rooms[roomName] = r
	}

	// A rejoin by a peer already in the room re-acknowledges the
	// membership without mutating it or notifying anyone else, so a
	// client re-sending join is never left waiting for a reply.
	if _, ok := r.members[p.ID]; ok {
		p.Send(wire.TypeJoined, roomName, nil)
		p.Send(wire.TypePeerList, roomName, r.roster(p.ID))
		return nil
	}

	if len(r.members) >= h.cfg.MaxPeersPerRoom {
		p.Send(wire.TypeFull, roomName, nil)
		h.log.Printf("join rejected, room full: %s@%s", p.ID, roomName)
		return ErrRoomFull
	}

	created := len(r.members) == 0
	roster := r.roster("")
	r.members[p.ID] = &Membership{Peer: p, DisplayName: displayName}

	if created {
		p.Send(wire.TypeCreated, roomName, nil)
		h.log.Printf("%s@%s created %s", displayName, p.ID, roomName)
		return nil
	}

	p.Send(wire.TypeJoined, roomName, nil)
	p.Send(wire.TypePeerList, roomName, roster)
	r.broadcast(p.ID, wire.TypePeerJoined, wire.PeerInfo{ID: p.ID, DisplayName: displayName})
	h.log.Printf("%s@%s joined %s", displayName, p.ID, roomName)
	return nil
}

// Leave removes a peer from a room and notifies the remaining members.
// Leaving a room the peer isn't in is a no-op.
func (h *Hub) Leave(roomName, peerID string) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.removeMember(roomName, peerID)
}

// DisconnectAll removes a peer from every room it belongs to, firing the
// same notifications an explicit leave would, and shuts down the peer's
// outbound queue. Used when the underlying transport session terminates.
func (h *Hub) DisconnectAll(p *Peer) {
	h.mut.Lock()
	defer h.mut.Unlock()

	for name, r := range h.rooms {
		if _, ok := r.members[p.ID]; ok {
			h.removeMember(name, p.ID)
		}
	}
	p.close()
}

// removeMember drops a membership, notifies the remaining members and
// deletes the room once empty. Callers must hold the hub lock.
func (h *Hub) removeMember(roomName, peerID string) {
	r, ok := h.rooms[roomName]
	if !ok {
		return
	}
	if _, ok := r.members[peerID]; !ok {
		return
	}
	delete(r.members, peerID)

	if len(r.members) == 0 {
		delete(h.rooms, roomName)
		h.log.Printf("room emptied: %s", roomName)
		return
	}
	r.broadcast("", wire.TypePeerLeft, wire.PeerLeft{ID: peerID})
	h.log.Printf("%s left %s", peerID, roomName)
}

// Relay routes an offer / answer / ice-candidate from a room member.
// Addressed messages go to the target member alone; unaddressed ones are
// broadcast to everyone but the sender. The payload is relayed opaque and
// at-most-once. Messages from non-members, to unknown rooms or to absent
// targets are dropped silently.
func (h *Hub) Relay(kind, roomName string, sender *Peer, target string, payload json.RawMessage) {
	h.mut.RLock()
	defer h.mut.RUnlock()

	r, ok := h.rooms[roomName]
	if !ok {
		return
	}
	m, ok := r.members[sender.ID]
	if !ok {
		return
	}

	ev := wire.SignalEvent{From: sender.ID, Payload: payload}
	if kind == wire.TypeOffer {
		ev.FromName = m.DisplayName
	}

	if target != "" {
		t, ok := r.members[target]
		if !ok {
			h.log.Printf("dropping %s from %s: no member %s in %s", kind, sender.ID, target, roomName)
			return
		}
		t.Peer.Send(kind, roomName, ev)
		return
	}
	r.broadcast(sender.ID, kind, ev)
}

// ActiveRooms returns a snapshot of all rooms and their member counts.
func (h *Hub) ActiveRooms() []RoomInfo {
	h.mut.RLock()
	defer h.mut.RUnlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for name, r := range h.rooms {
		out = append(out, RoomInfo{Name: name, Peers: len(r.members)})
	}
	return out
}

// Roster returns the membership snapshot of a room, nil if the room
// doesn't exist.
func (h *Hub) Roster(roomName string) []wire.PeerInfo {
	h.mut.RLock()
	defer h.mut.RUnlock()

	r, ok := h.rooms[roomName]
	if !ok {
		return nil
	}
	return r.roster("")
}

// GenerateGUID generates a cryptographically random, alphanumeric string
// of length n. Used for transport-session peer IDs.
func GenerateGUID(n int) (string, error) {
	const dictionary = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var bytes = make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	for k, v := range bytes {
		bytes[k] = dictionary[v%byte(len(dictionary))]
	}
	return string(bytes), nil
}
