package server

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/keygate-io/keygate/pkg/ledger"
)

func TestRoomLifecycle(t *testing.T) {
	rr := NewRoomRegistry()
	sr := NewSessionRegistry()
	a, _ := sr.Register(&fakeConn{}, "a:1", "c1")
	b, _ := sr.Register(&fakeConn{}, "b:1", "c2")
	room := testRoom(0x01)

	if rr.RoomCount() != 0 {
		t.Fatalf("fresh registry has %d rooms", rr.RoomCount())
	}

	rr.Join(room, a)
	rr.Join(room, b)
	rr.Join(room, b) // idempotent

	if rr.MemberCount(room) != 2 {
		t.Fatalf("MemberCount = %d, want 2", rr.MemberCount(room))
	}
	if !rr.IsMember(room, a.ID) || !rr.IsMember(room, b.ID) {
		t.Fatal("IsMember lost a joined member")
	}
	if len(rr.MembersOf(room)) != 2 {
		t.Fatalf("MembersOf = %d entries, want 2", len(rr.MembersOf(room)))
	}

	rr.Leave(room, a.ID)
	if rr.IsMember(room, a.ID) {
		t.Fatal("member still present after Leave")
	}
	if rr.RoomCount() != 1 {
		t.Fatalf("RoomCount = %d, want 1", rr.RoomCount())
	}

	// Last member out deletes the room.
	rr.Leave(room, b.ID)
	if rr.RoomCount() != 0 {
		t.Fatalf("empty room persisted, RoomCount = %d", rr.RoomCount())
	}
	if rr.MembersOf(room) != nil {
		t.Fatal("MembersOf returned members for a deleted room")
	}

	// Leaving an absent room is a no-op.
	rr.Leave(testRoom(0x09), a.ID)
}

// TestMembershipSymmetry drives the two registries through random join,
// leave, and drop sequences the way the gateway does, and checks after every
// step that they agree: a session lists a room iff the room lists the
// session, and no empty room survives.
func TestMembershipSymmetry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sr := NewSessionRegistry()
		rr := NewRoomRegistry()

		live := make(map[uint64]*Session)
		var ids []uint64
		for i := 0; i < 4; i++ {
			sess, err := sr.Register(&fakeConn{}, "x:1", "c")
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			live[sess.ID] = sess
			ids = append(ids, sess.ID)
		}
		rooms := []ledger.Address{testRoom(1), testRoom(2), testRoom(3)}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "session")
			room := rapid.SampledFrom(rooms).Draw(t, "room")
			sess, alive := live[id]

			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // join
				if !alive {
					continue
				}
				rr.Join(room, sess)
				if err := sr.AddRoom(id, room); err != nil {
					rr.Leave(room, id)
				}
			case 1: // leave
				if !alive || !sess.InRoom(room) {
					continue
				}
				sr.RemoveRoom(id, room)
				rr.Leave(room, id)
			case 2: // drop
				if !alive {
					continue
				}
				_, joined, err := sr.Drop(id)
				if err != nil {
					t.Fatalf("Drop live session: %v", err)
				}
				for _, r := range joined {
					rr.Leave(r, id)
				}
				delete(live, id)
			}

			// Invariant: both sides agree on every (session, room) pair.
			for _, sess := range sr.GetAll() {
				for _, r := range rooms {
					inSession := sess.InRoom(r)
					inRoom := rr.IsMember(r, sess.ID)
					if inSession != inRoom {
						t.Fatalf("membership disagree for session %d room %s: session=%v room=%v",
							sess.ID, r, inSession, inRoom)
					}
				}
			}
			// Invariant: dropped sessions appear in no room.
			for _, r := range rooms {
				for _, member := range rr.MembersOf(r) {
					if _, ok := live[member.ID]; !ok {
						t.Fatalf("dropped session %d still member of %s", member.ID, r)
					}
				}
			}
			// Invariant: no empty rooms.
			for _, r := range rr.Rooms() {
				if rr.MemberCount(r) == 0 {
					t.Fatalf("empty room %s persisted", r)
				}
			}
		}
	})
}
