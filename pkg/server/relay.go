package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/keygate-io/keygate/pkg/ledger"
	"github.com/keygate-io/keygate/pkg/protocol"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotAMember       = errors.New("not a member of this room")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
)

// MessageRelay validates and fans out messages to room members. Delivery is
// best-effort: a member whose transport isn't writable is skipped (and
// reported dead), never waited on.
type MessageRelay struct {
	rooms            *RoomRegistry
	maxMessageLength int
	metrics          *Metrics

	// onDeadSession is invoked (outside relay locks) for members whose
	// writes failed during fan-out, so the gateway can drop them.
	onDeadSession func(sessionID uint64)
}

// NewMessageRelay creates a relay over the given room registry.
func NewMessageRelay(rooms *RoomRegistry, maxMessageLength int) *MessageRelay {
	if maxMessageLength <= 0 {
		maxMessageLength = 4096
	}
	return &MessageRelay{rooms: rooms, maxMessageLength: maxMessageLength}
}

// SetMetrics attaches metrics to the relay.
func (mr *MessageRelay) SetMetrics(metrics *Metrics) {
	mr.metrics = metrics
}

// SetDeadSessionHandler registers the callback for members with failed
// writes.
func (mr *MessageRelay) SetDeadSessionHandler(fn func(sessionID uint64)) {
	mr.onDeadSession = fn
}

// Send relays content from sender to every other member of roomID and
// returns the number of members actually delivered to.
//
// Preconditions, checked in order: the sender must be authenticated, must
// currently be a member of the room (past access is not enough), and the
// content must fit the configured cap.
func (mr *MessageRelay) Send(sender *Session, roomID ledger.Address, content string) (int, error) {
	identity, ok := sender.Identity()
	if !ok {
		return 0, ErrNotAuthenticated
	}
	if !sender.InRoom(roomID) {
		return 0, ErrNotAMember
	}
	if len(content) > mr.maxMessageLength {
		return 0, ErrMessageTooLong
	}

	start := time.Now()
	msg := protocol.NewNewMessage(roomID.Hex(), identity.Hex(), content, start.UnixMilli())

	// Encode once, not per recipient.
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	members := mr.rooms.MembersOf(roomID)
	targets := make([]*Session, 0, len(members))
	for _, member := range members {
		if member.ID == sender.ID {
			continue
		}
		targets = append(targets, member)
	}

	delivered, dead := fanOut(targets, data)

	// A member that vanished mid-send just doesn't get the message; the
	// failed write is not an error for the sender.
	for _, sessionID := range dead {
		if mr.onDeadSession != nil {
			mr.onDeadSession(sessionID)
		}
	}

	if mr.metrics != nil {
		mr.metrics.RecordMessageRelayed()
		mr.metrics.RecordBroadcastFanout(delivered)
		mr.metrics.RecordBroadcastDuration(time.Since(start).Seconds())
	}
	return delivered, nil
}

// fanOut writes data to each target using a chunked worker pool. Returns the
// delivered count and the IDs of sessions whose write failed.
func fanOut(targets []*Session, data []byte) (int, []uint64) {
	const maxWorkers = 40
	const sessionsPerWorker = 50

	if len(targets) == 0 {
		return 0, nil
	}

	numWorkers := (len(targets) + sessionsPerWorker - 1) / sessionsPerWorker
	if numWorkers > maxWorkers {
		numWorkers = maxWorkers
	}
	chunkSize := (len(targets) + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	var dead []uint64

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(targets) {
			end = len(targets)
		}

		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				if err := sess.Conn.WriteRaw(data); err != nil {
					debugLog.Printf("Session %d: relay write failed: %v", sess.ID, err)
					mu.Lock()
					dead = append(dead, sess.ID)
					mu.Unlock()
					continue
				}
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(targets[start:end])
	}

	wg.Wait()
	return delivered, dead
}
