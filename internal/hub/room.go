package hub

import "github.com/vartalabh/vartalap/wire"

// Membership ties a connected peer to its caller-supplied display name
// within one room. Display names aren't validated for uniqueness.
type Membership struct {
	Peer        *Peer
	DisplayName string
}

// Room is a named set of memberships. It carries no goroutine or lock of
// its own; all access goes through the hub under the hub's lock.
type Room struct {
	Name    string
	members map[string]*Membership
}

func newRoom(name string) *Room {
	return &Room{
		Name:    name,
		members: make(map[string]*Membership),
	}
}

// roster returns the membership snapshot, excluding the given peer ID.
func (r *Room) roster(except string) []wire.PeerInfo {
	out := make([]wire.PeerInfo, 0, len(r.members))
	for id, m := range r.members {
		if id == except {
			continue
		}
		out = append(out, wire.PeerInfo{ID: id, DisplayName: m.DisplayName})
	}
	return out
}

// broadcast queues a message of the given type to every member except the
// given peer ID.
func (r *Room) broadcast(except, typ string, data interface{}) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		m.Peer.Send(typ, r.Name, data)
	}
}
