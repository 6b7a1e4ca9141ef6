package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygate-io/keygate/pkg/gate"
	"github.com/keygate-io/keygate/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on debug logging to stderr.
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Gateway is the token-gated messaging gateway: the explicit aggregate of
// session registry, room registry, relay and access gate. It is constructed,
// not global; connection handlers receive it by reference.
type Gateway struct {
	sessions *SessionRegistry
	rooms    *RoomRegistry
	relay    *MessageRelay
	gate     *gate.AccessGate
	config   GatewayConfig
	metrics  *Metrics
	upgrader websocket.Upgrader

	ipMu    sync.Mutex
	ipConns map[string]int

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	shutdown      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewGateway wires up a gateway. metrics may be nil (tests).
func NewGateway(config GatewayConfig, accessGate *gate.AccessGate, metrics *Metrics) *Gateway {
	sessions := NewSessionRegistry()
	sessions.SetMetrics(metrics)

	rooms := NewRoomRegistry()
	rooms.SetMetrics(metrics)

	relay := NewMessageRelay(rooms, config.MaxMessageLength)
	relay.SetMetrics(metrics)

	g := &Gateway{
		sessions: sessions,
		rooms:    rooms,
		relay:    relay,
		gate:     accessGate,
		config:   config,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway authenticates via signed challenge, not Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ipConns:  make(map[string]int),
		shutdown: make(chan struct{}),
	}
	relay.SetDeadSessionHandler(g.removeSession)
	return g
}

// Sessions exposes the session registry (used by cmd tooling and tests).
func (g *Gateway) Sessions() *SessionRegistry { return g.sessions }

// Rooms exposes the room registry (used by cmd tooling and tests).
func (g *Gateway) Rooms() *RoomRegistry { return g.rooms }

// Start begins listening for websocket connections. Inability to bind the
// listening socket is the only startup-fatal condition.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.ListenAddr, err)
	}
	g.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWebSocket)
	mux.HandleFunc("/healthz", g.healthHandler)

	g.httpServer = &http.Server{Handler: mux}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case <-g.shutdown:
			default:
				errorLog.Printf("HTTP server error: %v", err)
			}
		}
	}()
	log.Printf("Gateway listening on %s (/ws, /healthz)", listener.Addr())

	// Internal metrics server - never expose publicly.
	if g.metrics != nil && g.config.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		g.metricsServer = &http.Server{Addr: g.config.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics) - INTERNAL ONLY", g.config.MetricsAddr)
			if err := g.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	g.wg.Add(1)
	go g.sessionSweepLoop()

	return nil
}

// Addr returns the bound listener address (useful with ":0" in tests).
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts the gateway down.
func (g *Gateway) Stop() error {
	log.Println("Graceful shutdown initiated...")
	g.closeOnce.Do(func() { close(g.shutdown) })

	if g.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.httpServer.Shutdown(ctx)
	}
	if g.metricsServer != nil {
		g.metricsServer.Close()
	}

	log.Printf("Closing %d client sessions...", g.sessions.CountOnline())
	g.sessions.CloseAll()

	g.wg.Wait()
	log.Println("Graceful shutdown complete")
	return nil
}

func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok sessions=%d rooms=%d\n", g.sessions.CountOnline(), g.rooms.RoomCount())
}

// remoteHost strips the port from a remote address for per-IP accounting.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// acquireIPSlot reserves a connection slot for host. Zero limit means
// unlimited.
func (g *Gateway) acquireIPSlot(host string) bool {
	if g.config.MaxConnectionsPerIP <= 0 {
		return true
	}
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipConns[host] >= g.config.MaxConnectionsPerIP {
		return false
	}
	g.ipConns[host]++
	return true
}

func (g *Gateway) releaseIPSlot(host string) {
	if g.config.MaxConnectionsPerIP <= 0 {
		return
	}
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if g.ipConns[host] <= 1 {
		delete(g.ipConns, host)
	} else {
		g.ipConns[host]--
	}
}

// HandleWebSocket upgrades the HTTP request and runs the connection's read
// loop until the client disconnects.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r.RemoteAddr)
	if !g.acquireIPSlot(host) {
		debugLog.Printf("Connection limit reached for %s", host)
		http.Error(w, "Too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		g.releaseIPSlot(host)
		return
	}

	challenge, err := gate.NewChallenge()
	if err != nil {
		errorLog.Printf("Challenge generation failed: %v", err)
		conn.Close()
		g.releaseIPSlot(host)
		return
	}

	sc := NewSafeConn(conn, g.config.WriteTimeout)
	sess, err := g.sessions.Register(sc, r.RemoteAddr, challenge)
	if err != nil {
		// Double-register of one connection is a handler bug; fail this
		// connection, not the process.
		errorLog.Printf("Session registration failed for %s: %v", r.RemoteAddr, err)
		conn.Close()
		g.releaseIPSlot(host)
		return
	}

	debugLog.Printf("New connection from %s (session %d)", r.RemoteAddr, sess.ID)

	// The client signs this challenge to authenticate.
	frame := protocol.NewChallengeMessage(challenge, g.config.MaxMessageLength, g.config.MaxJoinedRooms)
	if err := g.sendFrame(sess, protocol.TypeChallenge, frame); err != nil {
		g.removeSession(sess.ID)
		return
	}

	g.readLoop(sess, sc)
}

// readLoop reads and dispatches frames until the connection dies. Cleanup
// runs exactly once regardless of how the loop exits.
func (g *Gateway) readLoop(sess *Session, sc *SafeConn) {
	defer g.removeSession(sess.ID)

	for {
		sc.SetReadDeadline(time.Now().Add(g.config.SessionTimeout))
		data, err := sc.ReadRaw()
		if err != nil {
			if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		sess.Touch(time.Now().UnixMilli())

		if err := g.dispatch(sess, data); err != nil {
			// Per-request failures were already reported as error frames;
			// anything surfacing here is internal.
			errorLog.Printf("Session %d: dispatch error: %v", sess.ID, err)
			g.sendError(sess, protocol.CodeInternal, "Internal error")
		}
	}
}

// removeSession drops the session, leaves every joined room and notifies
// remaining members. Safe to call multiple times and from concurrent paths
// (read-loop exit, dead-session reaping, idle sweep).
func (g *Gateway) removeSession(sessionID uint64) {
	sess, rooms, err := g.sessions.Drop(sessionID)
	if err != nil {
		return // already removed
	}

	g.releaseIPSlot(remoteHost(sess.RemoteAddr))

	identity, authenticated := sess.Identity()
	for _, roomID := range rooms {
		g.rooms.Leave(roomID, sessionID)
		if authenticated {
			g.notifyRoom(roomID, protocol.TypeMemberLeft, protocol.NewMemberLeft(roomID.Hex(), identity.Hex()), sessionID)
		}
	}
	debugLog.Printf("Session %d removed (%d rooms left)", sessionID, len(rooms))
}

// sessionSweepLoop periodically disconnects idle sessions. Read deadlines
// already bound most cases; the sweep catches connections whose transport
// died without surfacing a read error.
func (g *Gateway) sessionSweepLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-g.shutdown:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.config.SessionTimeout).UnixMilli()
			for _, sess := range g.sessions.GetAll() {
				if sess.LastActivity() < cutoff {
					debugLog.Printf("Closing stale session %d (idle beyond %v)", sess.ID, g.config.SessionTimeout)
					g.removeSession(sess.ID)
				}
			}
		}
	}
}
