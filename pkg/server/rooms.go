package server

import (
	"sync"

	"github.com/keygate-io/keygate/pkg/ledger"
)

// RoomRegistry is a pure membership index: per room, the set of member
// sessions. Rooms are created lazily on first join and deleted when the last
// member leaves, so an empty room never persists. No identity or
// access-decision logic lives here.
type RoomRegistry struct {
	mu      sync.RWMutex
	rooms   map[ledger.Address]map[uint64]*Session
	metrics *Metrics
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[ledger.Address]map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the registry.
func (rr *RoomRegistry) SetMetrics(metrics *Metrics) {
	rr.metrics = metrics
}

// Join adds sess to roomID, creating the room if absent. Re-adding an
// existing member is a no-op.
func (rr *RoomRegistry) Join(roomID ledger.Address, sess *Session) {
	rr.mu.Lock()
	members := rr.rooms[roomID]
	if members == nil {
		members = make(map[uint64]*Session)
		rr.rooms[roomID] = members
	}
	members[sess.ID] = sess
	roomCount := len(rr.rooms)
	rr.mu.Unlock()

	if rr.metrics != nil {
		rr.metrics.RecordActiveRooms(roomCount)
	}
}

// Leave removes the member from roomID and deletes the room once empty.
// No-op if the room or member is absent.
func (rr *RoomRegistry) Leave(roomID ledger.Address, sessionID uint64) {
	rr.mu.Lock()
	members := rr.rooms[roomID]
	if members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(rr.rooms, roomID)
		}
	}
	roomCount := len(rr.rooms)
	rr.mu.Unlock()

	if rr.metrics != nil {
		rr.metrics.RecordActiveRooms(roomCount)
	}
}

// MembersOf returns a snapshot of the room's members.
func (rr *RoomRegistry) MembersOf(roomID ledger.Address) []*Session {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	members := rr.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for _, sess := range members {
		out = append(out, sess)
	}
	return out
}

// IsMember reports whether sessionID is currently in roomID.
func (rr *RoomRegistry) IsMember(roomID ledger.Address, sessionID uint64) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	members := rr.rooms[roomID]
	if members == nil {
		return false
	}
	_, ok := members[sessionID]
	return ok
}

// MemberCount returns the number of members in roomID (zero if absent).
func (rr *RoomRegistry) MemberCount(roomID ledger.Address) int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one member.
func (rr *RoomRegistry) RoomCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms)
}

// Rooms returns a snapshot of all room IDs.
func (rr *RoomRegistry) Rooms() []ledger.Address {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	out := make([]ledger.Address, 0, len(rr.rooms))
	for roomID := range rr.rooms {
		out = append(out, roomID)
	}
	return out
}
