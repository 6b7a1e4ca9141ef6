package server

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/keygate-io/keygate/pkg/gate"
	"github.com/keygate-io/keygate/pkg/ledger"
)

// TestMain sets up package-level test state once before any test runs.
// This avoids data races from individual tests writing to package-level
// loggers while goroutines from previous tests may still be reading them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

// fakeConn is an in-memory FrameConn recording everything written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []interface{}
	raw    [][]byte
	failed bool
	closed bool
}

var errConnFailed = errors.New("connection failed")

func (fc *fakeConn) WriteFrame(v interface{}) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failed {
		return errConnFailed
	}
	fc.frames = append(fc.frames, v)
	return nil
}

func (fc *fakeConn) WriteRaw(data []byte) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failed {
		return errConnFailed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	fc.raw = append(fc.raw, buf)
	return nil
}

func (fc *fakeConn) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	return nil
}

func (fc *fakeConn) RemoteAddr() string { return "fake:0" }

func (fc *fakeConn) fail() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.failed = true
}

func (fc *fakeConn) rawCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.raw)
}

func (fc *fakeConn) lastRaw() []byte {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.raw) == 0 {
		return nil
	}
	return fc.raw[len(fc.raw)-1]
}

func (fc *fakeConn) isClosed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closed
}

func testRoom(b byte) ledger.Address {
	var a ledger.Address
	a[ledger.AddressLength-1] = b
	return a
}

// testGateway builds a gateway over a static ledger without starting any
// listeners. Metrics stay nil to avoid Prometheus registration conflicts
// between tests.
func testGateway(t *testing.T, lc ledger.Client) *Gateway {
	t.Helper()
	if lc == nil {
		lc = ledger.NewStaticClient()
	}
	config := DefaultConfig()
	config.ListenAddr = "127.0.0.1:0"
	config.MetricsAddr = ""
	config.SessionTimeout = 60 * time.Second
	return NewGateway(config, gate.New(lc), nil)
}

// registerFake registers a fake connection and returns the session and conn.
func registerFake(t *testing.T, g *Gateway) (*Session, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	sess, err := g.sessions.Register(fc, "fake:0", "test-challenge")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return sess, fc
}
