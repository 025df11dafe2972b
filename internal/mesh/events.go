package mesh

import (
	"github.com/BioHazard786/warpmesh/internal/negotiation"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// EventKind classifies what happened in the room.
type EventKind int

const (
	// EventRooms carries the relay's room listing.
	EventRooms EventKind = iota
	// EventJoined means this client is now in Room as Self.
	EventJoined
	// EventRoomFull means the join was rejected.
	EventRoomFull
	// EventPeerJoined means Peer entered the room.
	EventPeerJoined
	// EventPeerLeft means Peer left the room.
	EventPeerLeft
	// EventPeerState reports a negotiation change for Peer.
	EventPeerState
	// EventPeerFailed reports a negotiation failure for Peer in Err.
	EventPeerFailed
	// EventServerError carries an error message from the relay.
	EventServerError
)

func (k EventKind) String() string {
	switch k {
	case EventRooms:
		return "rooms"
	case EventJoined:
		return "joined"
	case EventRoomFull:
		return "room-full"
	case EventPeerJoined:
		return "peer-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventPeerState:
		return "peer-state"
	case EventPeerFailed:
		return "peer-failed"
	case EventServerError:
		return "server-error"
	default:
		return "unknown"
	}
}

// Event is delivered on Client.Events.
type Event struct {
	Kind    EventKind
	Room    string
	Self    string
	Peer    string
	Members []string
	Rooms   []signaling.RoomInfo

	Role  negotiation.Role
	State negotiation.State
	Err   error
}
