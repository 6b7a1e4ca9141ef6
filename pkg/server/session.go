package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keygate-io/keygate/pkg/ledger"
)

var (
	ErrDuplicateSession     = errors.New("connection already registered")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrUnknownSession       = errors.New("unknown session")
)

// Session represents one live client connection. The identity is absent
// until the connection authenticates and is set at most once.
type Session struct {
	ID          uint64
	Conn        FrameConn
	RemoteAddr  string
	Challenge   string // server-issued nonce the auth message must embed
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix milliseconds

	mu          sync.RWMutex
	identity    *ledger.Address
	joinedRooms map[ledger.Address]bool
}

// Identity returns the authenticated identity, if set.
func (s *Session) Identity() (ledger.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ledger.Address{}, false
	}
	return *s.identity, true
}

// InRoom reports whether the session has joined roomID.
func (s *Session) InRoom(roomID ledger.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedRooms[roomID]
}

// JoinedRooms returns a snapshot of the session's joined rooms.
func (s *Session) JoinedRooms() []ledger.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]ledger.Address, 0, len(s.joinedRooms))
	for room := range s.joinedRooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Touch records activity for idle-session sweeping.
func (s *Session) Touch(nowMillis int64) {
	s.lastActivity.Store(nowMillis)
}

// LastActivity returns the last recorded activity in unix milliseconds.
func (s *Session) LastActivity() int64 {
	return s.lastActivity.Load()
}

// SessionRegistry owns the authoritative session records. RoomRegistry holds
// only back-references to sessions, never the other way around.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byConn   map[FrameConn]uint64
	nextID   atomic.Uint64
	metrics  *Metrics
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint64]*Session),
		byConn:   make(map[FrameConn]uint64),
	}
}

// SetMetrics attaches metrics to the registry.
func (sr *SessionRegistry) SetMetrics(metrics *Metrics) {
	sr.metrics = metrics
}

// Register creates a session for conn. Registering the same connection twice
// is a bug in the connection handler and fails with ErrDuplicateSession.
func (sr *SessionRegistry) Register(conn FrameConn, remoteAddr, challenge string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:          sr.nextID.Add(1),
		Conn:        conn,
		RemoteAddr:  remoteAddr,
		Challenge:   challenge,
		ConnectedAt: now,
		joinedRooms: make(map[ledger.Address]bool),
	}
	sess.Touch(now.UnixMilli())

	sr.mu.Lock()
	if _, exists := sr.byConn[conn]; exists {
		sr.mu.Unlock()
		return nil, ErrDuplicateSession
	}
	sr.sessions[sess.ID] = sess
	sr.byConn[conn] = sess.ID
	count := len(sr.sessions)
	sr.mu.Unlock()

	if sr.metrics != nil {
		sr.metrics.RecordActiveSessions(count)
		sr.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// Get returns a session by ID.
func (sr *SessionRegistry) Get(sessionID uint64) (*Session, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	sess, ok := sr.sessions[sessionID]
	return sess, ok
}

// GetAll returns all active sessions.
func (sr *SessionRegistry) GetAll() []*Session {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	sessions := make([]*Session, 0, len(sr.sessions))
	for _, sess := range sr.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// SetIdentity marks the session authenticated. Authentication is one-shot
// per connection; a second attempt fails with ErrAlreadyAuthenticated.
func (sr *SessionRegistry) SetIdentity(sessionID uint64, identity ledger.Address) error {
	sess, ok := sr.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.identity != nil {
		return ErrAlreadyAuthenticated
	}
	sess.identity = &identity
	return nil
}

// AddRoom records roomID in the session's joined set.
func (sr *SessionRegistry) AddRoom(sessionID uint64, roomID ledger.Address) error {
	sess, ok := sr.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.mu.Lock()
	sess.joinedRooms[roomID] = true
	sess.mu.Unlock()
	return nil
}

// RemoveRoom removes roomID from the session's joined set. Removing a room
// that isn't present is a no-op.
func (sr *SessionRegistry) RemoveRoom(sessionID uint64, roomID ledger.Address) error {
	sess, ok := sr.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.mu.Lock()
	delete(sess.joinedRooms, roomID)
	sess.mu.Unlock()
	return nil
}

// Drop removes the session and returns it along with every room it had
// joined, so the caller can clean up room membership. The connection is
// closed here; Drop is the single teardown point.
func (sr *SessionRegistry) Drop(sessionID uint64) (*Session, []ledger.Address, error) {
	sr.mu.Lock()
	sess, ok := sr.sessions[sessionID]
	if !ok {
		sr.mu.Unlock()
		return nil, nil, ErrUnknownSession
	}
	delete(sr.sessions, sessionID)
	delete(sr.byConn, sess.Conn)
	count := len(sr.sessions)
	sr.mu.Unlock()

	sess.mu.Lock()
	rooms := make([]ledger.Address, 0, len(sess.joinedRooms))
	for room := range sess.joinedRooms {
		rooms = append(rooms, room)
	}
	sess.joinedRooms = make(map[ledger.Address]bool)
	sess.mu.Unlock()

	if sr.metrics != nil {
		sr.metrics.RecordActiveSessions(count)
		sr.metrics.RecordSessionClosed()
	}

	sess.Conn.Close()
	return sess, rooms, nil
}

// CountOnline returns the number of connected sessions.
func (sr *SessionRegistry) CountOnline() int {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return len(sr.sessions)
}

// CloseAll closes every session. Used during shutdown.
func (sr *SessionRegistry) CloseAll() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for _, sess := range sr.sessions {
		sess.Conn.Close()
	}
	sr.sessions = make(map[uint64]*Session)
	sr.byConn = make(map[FrameConn]uint64)
}
