package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	mrand "math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keygate-io/keygate/pkg/gate"
	"github.com/keygate-io/keygate/pkg/ledger"
	"github.com/keygate-io/keygate/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test counters. All fields are atomics; workers update
// them concurrently and the reporter snapshots them once a second.
type Stats struct {
	connected    atomic.Int64
	authFailed   atomic.Int64
	joinDenied   atomic.Int64
	messagesSent atomic.Int64
	sendFailed   atomic.Int64
	received     atomic.Int64
	errors       atomic.Int64
	disconnects  atomic.Int64

	totalSendNanos atomic.Int64
}

func (s *Stats) snapshot() (sent, failed, received int64, avgSendUs float64) {
	sent = s.messagesSent.Load()
	failed = s.sendFailed.Load()
	received = s.received.Load()
	if sent > 0 {
		avgSendUs = float64(s.totalSendNanos.Load()) / float64(sent) / 1000.0
	}
	return
}

// LoadClient is one simulated gateway client: a generated keypair, one
// websocket connection and a reader goroutine counting deliveries.
type LoadClient struct {
	id      int
	priv    ed25519.PrivateKey
	address ledger.Address
	conn    *websocket.Conn
	writeMu sync.Mutex
	stats   *Stats

	challenge string
	rooms     []ledger.Address
}

func NewLoadClient(id int, stats *Stats) (*LoadClient, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &LoadClient{
		id:      id,
		priv:    priv,
		address: gate.IdentityFromPublicKey(pub),
		stats:   stats,
	}, nil
}

// Connect dials the gateway, waits for the challenge and authenticates.
func (lc *LoadClient) Connect(url string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	lc.conn = conn

	var challenge protocol.ChallengeMessage
	if err := lc.readExpect(protocol.TypeChallenge, &challenge); err != nil {
		conn.Close()
		return fmt.Errorf("challenge: %w", err)
	}
	lc.challenge = challenge.Challenge

	signed := fmt.Sprintf("keygate-loadtest:%s", lc.challenge)
	auth := map[string]string{
		"type":      protocol.TypeAuth,
		"message":   signed,
		"signature": fmt.Sprintf("%x", gate.Sign(lc.priv, []byte(signed))),
	}
	if err := lc.writeJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var result protocol.AuthResultMessage
	if err := lc.readExpect(protocol.TypeAuthResult, &result); err != nil {
		conn.Close()
		return fmt.Errorf("auth result: %w", err)
	}
	if !result.Success {
		lc.stats.authFailed.Add(1)
		conn.Close()
		return fmt.Errorf("auth rejected: %s", result.Message)
	}

	lc.stats.connected.Add(1)
	return nil
}

// Join requests admission to a room and records whether it was granted.
func (lc *LoadClient) Join(roomID ledger.Address) error {
	req := map[string]string{
		"type":            protocol.TypeJoinRoom,
		"creator_address": roomID.Hex(),
	}
	if err := lc.writeJSON(req); err != nil {
		return err
	}

	// Chatter from other members can interleave with the join response.
	for {
		frameType, data, err := lc.readFrame(10 * time.Second)
		if err != nil {
			return err
		}
		switch frameType {
		case protocol.TypeRoomJoined:
			lc.rooms = append(lc.rooms, roomID)
			return nil
		case protocol.TypeError:
			var errMsg protocol.ErrorMessage
			json.Unmarshal(data, &errMsg)
			lc.stats.joinDenied.Add(1)
			return fmt.Errorf("join denied: [%d] %s", errMsg.Code, errMsg.Message)
		case protocol.TypeNewMessage:
			lc.stats.received.Add(1)
		}
	}
}

// chatLoop sends random messages at the given rate until stop closes.
// Inbound frames are drained by readLoop; send latency here measures only
// the local write.
func (lc *LoadClient) chatLoop(rate float64, stop <-chan struct{}) {
	interval := time.Duration(float64(time.Second) / rate)
	// Jitter the start so clients don't send in lockstep.
	time.Sleep(time.Duration(mrand.Int63n(int64(interval) + 1)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if len(lc.rooms) == 0 {
				continue
			}
			room := lc.rooms[mrand.Intn(len(lc.rooms))]
			msg := map[string]string{
				"type":    protocol.TypeSendMessage,
				"room_id": room.Hex(),
				"content": randomSentence(),
			}
			start := time.Now()
			if err := lc.writeJSON(msg); err != nil {
				lc.stats.sendFailed.Add(1)
				return
			}
			lc.stats.messagesSent.Add(1)
			lc.stats.totalSendNanos.Add(time.Since(start).Nanoseconds())
		}
	}
}

// readLoop counts inbound frames until the connection closes.
func (lc *LoadClient) readLoop() {
	for {
		frameType, _, err := lc.readFrame(0)
		if err != nil {
			lc.stats.disconnects.Add(1)
			return
		}
		switch frameType {
		case protocol.TypeNewMessage:
			lc.stats.received.Add(1)
		case protocol.TypeError:
			lc.stats.errors.Add(1)
		}
	}
}

func (lc *LoadClient) Close() {
	if lc.conn != nil {
		lc.conn.Close()
	}
}

func (lc *LoadClient) writeJSON(v interface{}) error {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	lc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return lc.conn.WriteJSON(v)
}

func (lc *LoadClient) readFrame(timeout time.Duration) (string, []byte, error) {
	if timeout > 0 {
		lc.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		lc.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := lc.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", nil, err
	}
	return head.Type, data, nil
}

func (lc *LoadClient) readExpect(frameType string, v interface{}) error {
	gotType, data, err := lc.readFrame(10 * time.Second)
	if err != nil {
		return err
	}
	if gotType != frameType {
		return fmt.Errorf("expected %s, got %s", frameType, gotType)
	}
	return json.Unmarshal(data, v)
}

func randomSentence() string {
	n := 3 + mrand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[mrand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// randomRoomIDs generates synthetic creator addresses. Run the gateway with
// -dev-ledger so these rooms admit everyone.
func randomRoomIDs(n int) []ledger.Address {
	rooms := make([]ledger.Address, n)
	for i := range rooms {
		var raw [20]byte
		rand.Read(raw[:])
		rooms[i] = ledger.BytesToAddress(raw[:])
	}
	return rooms
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8087/ws", "Gateway websocket URL")
	numClients := flag.Int("clients", 100, "Number of concurrent clients")
	numRooms := flag.Int("rooms", 10, "Number of rooms to spread clients over")
	roomsPerClient := flag.Int("rooms-per-client", 2, "Rooms each client joins")
	rate := flag.Float64("rate", 0.2, "Messages per second per client")
	duration := flag.Duration("duration", time.Minute, "Test duration")
	rampup := flag.Duration("rampup", 10*time.Second, "Time over which to connect all clients")
	flag.Parse()

	log.Printf("Load test: %d clients, %d rooms, %.2f msg/s/client for %v against %s",
		*numClients, *numRooms, *rate, *duration, *url)

	stats := &Stats{}
	rooms := randomRoomIDs(*numRooms)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	clientDelay := time.Duration(0)
	if *numClients > 1 {
		clientDelay = *rampup / time.Duration(*numClients)
	}

	clients := make([]*LoadClient, 0, *numClients)
	for i := 0; i < *numClients; i++ {
		time.Sleep(clientDelay)

		lc, err := NewLoadClient(i, stats)
		if err != nil {
			log.Fatalf("keygen: %v", err)
		}
		if err := lc.Connect(*url); err != nil {
			log.Printf("client %d: %v", i, err)
			continue
		}

		for j := 0; j < *roomsPerClient; j++ {
			room := rooms[(i+j)%len(rooms)]
			if err := lc.Join(room); err != nil {
				log.Printf("client %d: %v", i, err)
			}
		}

		clients = append(clients, lc)
		wg.Add(2)
		go func() { defer wg.Done(); lc.readLoop() }()
		go func() { defer wg.Done(); lc.chatLoop(*rate, stop) }()
	}

	log.Printf("All clients started (%d connected)", stats.connected.Load())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reporter := time.NewTicker(5 * time.Second)
	defer reporter.Stop()
	deadline := time.After(*duration)

	var lastSent, lastReceived int64
run:
	for {
		select {
		case <-deadline:
			break run
		case <-sigCh:
			log.Println("Interrupted")
			break run
		case <-reporter.C:
			sent, failed, received, avgSendUs := stats.snapshot()
			log.Printf("sent=%d (+%d) recv=%d (+%d) failed=%d denied=%d errors=%d disconnects=%d avg_send=%.0fus",
				sent, sent-lastSent, received, received-lastReceived,
				failed, stats.joinDenied.Load(), stats.errors.Load(),
				stats.disconnects.Load(), avgSendUs)
			lastSent, lastReceived = sent, received
		}
	}

	close(stop)
	for _, lc := range clients {
		lc.Close()
	}
	wg.Wait()

	sent, failed, received, avgSendUs := stats.snapshot()
	fanout := new(big.Float)
	if sent > 0 {
		fanout.Quo(big.NewFloat(float64(received)), big.NewFloat(float64(sent)))
	}
	log.Printf("Done: sent=%d failed=%d received=%d (fanout %sx) auth_failed=%d avg_send=%.0fus",
		sent, failed, received, fanout.Text('f', 2), stats.authFailed.Load(), avgSendUs)
}
