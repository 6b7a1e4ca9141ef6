package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn is the write side of a client connection as the registries and
// relay see it. Sessions never read; the Gateway owns the read loop.
type FrameConn interface {
	// WriteFrame marshals v and sends it as one frame.
	WriteFrame(v interface{}) error
	// WriteRaw sends pre-encoded frame bytes. Used by broadcast paths that
	// encode once per fan-out instead of once per member.
	WriteRaw(data []byte) error
	Close() error
	RemoteAddr() string
}

// SafeConn wraps a websocket connection with write synchronization and a
// per-write deadline.
//
// Request handlers and broadcast workers write to the same connection
// concurrently; gorilla/websocket forbids concurrent writers, so all writes
// go through one mutex. The write deadline turns a stalled peer into a write
// error on that connection instead of a blocked broadcaster.
type SafeConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a websocket connection. writeTimeout bounds every write.
func NewSafeConn(conn *websocket.Conn, writeTimeout time.Duration) *SafeConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame encodes v as JSON and sends it as a single text message.
func (sc *SafeConn) WriteFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sc.WriteRaw(data)
}

// WriteRaw sends pre-encoded frame bytes with write synchronization.
func (sc *SafeConn) WriteRaw(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadRaw reads the next frame. Reads don't need write synchronization and
// must only be called from the connection's read loop.
func (sc *SafeConn) ReadRaw() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// SetReadDeadline bounds the next read; used for idle-session timeouts.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}
