package signaling

import (
	"sort"
	"sync"
)

// DefaultUserLimit is the room capacity used when none is configured.
const DefaultUserLimit = 5

// JoinOutcome is the result of a Registry.Join call.
type JoinOutcome int

const (
	JoinCreated JoinOutcome = iota + 1
	JoinJoined
	JoinFull
)

func (o JoinOutcome) String() string {
	switch o {
	case JoinCreated:
		return "created"
	case JoinJoined:
		return "joined"
	case JoinFull:
		return "full"
	default:
		return "unknown"
	}
}

// JoinResult carries the outcome and the membership snapshot taken while
// the room was locked.
type JoinResult struct {
	Outcome JoinOutcome
	Members []string
}

// room is a single room. Its mutex serializes every membership change, so
// the capacity check and the insert happen as one step.
type room struct {
	mu      sync.Mutex
	id      string
	members map[string]struct{}

	// closed is set once the room has been removed from the registry.
	// A joiner that finds it set must look the room up again.
	closed bool
}

func (r *room) snapshot() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry maps room identifiers to their members.
//
// Lock order is room.mu before Registry.mu. Join never holds Registry.mu
// while waiting for a room lock, so rooms proceed in parallel.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	limit int
}

// NewRegistry creates an empty registry. A limit <= 0 selects DefaultUserLimit.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultUserLimit
	}
	return &Registry{
		rooms: make(map[string]*room),
		limit: limit,
	}
}

// capLimit lowers the per-room capacity to at most n. It must be called
// before the registry is shared.
func (r *Registry) capLimit(n int) {
	r.limit = min(r.limit, n)
}

// Limit returns the per-room capacity.
func (r *Registry) Limit() int {
	return r.limit
}

func (r *Registry) lookup(roomID string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok && create {
		rm = &room{id: roomID, members: make(map[string]struct{})}
		r.rooms[roomID] = rm
	}
	return rm
}

// Join adds memberID to roomID, creating the room if needed.
// A full room is left untouched.
func (r *Registry) Join(roomID, memberID string) JoinResult {
	for {
		rm := r.lookup(roomID, true)

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}

		if _, ok := rm.members[memberID]; ok {
			res := JoinResult{Outcome: JoinJoined, Members: rm.snapshot()}
			rm.mu.Unlock()
			return res
		}

		if len(rm.members) >= r.limit {
			res := JoinResult{Outcome: JoinFull, Members: rm.snapshot()}
			rm.mu.Unlock()
			return res
		}

		outcome := JoinJoined
		if len(rm.members) == 0 {
			outcome = JoinCreated
		}
		rm.members[memberID] = struct{}{}
		res := JoinResult{Outcome: outcome, Members: rm.snapshot()}
		rm.mu.Unlock()
		return res
	}
}

// Leave removes memberID from roomID and returns the remaining members.
// ok is false when the member was not in the room. Empty rooms are dropped.
func (r *Registry) Leave(roomID, memberID string) (remaining []string, ok bool) {
	rm := r.lookup(roomID, false)
	if rm == nil {
		return nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[memberID]; !ok {
		return rm.snapshot(), false
	}
	delete(rm.members, memberID)

	if len(rm.members) == 0 {
		rm.closed = true
		r.mu.Lock()
		if r.rooms[roomID] == rm {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		return nil, true
	}
	return rm.snapshot(), true
}

// Members returns a sorted snapshot of the room's members.
func (r *Registry) Members(roomID string) []string {
	rm := r.lookup(roomID, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshot()
}

// Contains reports whether memberID is currently in roomID.
func (r *Registry) Contains(roomID, memberID string) bool {
	rm := r.lookup(roomID, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[memberID]
	return ok
}

// Size returns the number of members in roomID.
func (r *Registry) Size(roomID string) int {
	rm := r.lookup(roomID, false)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Exists reports whether the room currently has members.
func (r *Registry) Exists(roomID string) bool {
	return r.Size(roomID) > 0
}

// Rooms lists every non-empty room, sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		n := len(rm.members)
		rm.mu.Unlock()
		if n == 0 {
			continue
		}
		infos = append(infos, RoomInfo{ID: rm.id, Members: n, Limit: r.limit})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
