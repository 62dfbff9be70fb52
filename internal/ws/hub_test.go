package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/relay"
	"github.com/fearless-family/relay/pkg/protocol"
)

// newTestServer wires a full hub (presence, relays, event loop) behind an
// httptest server and returns the websocket URL.
func newTestServer(t *testing.T) string {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	p := presence.NewManager(logger, m)

	hub := NewHub(Config{
		Presence: p,
		Messages: relay.NewMessageRelay(p, logger, m),
		Typing:   relay.NewTypingRelay(p, logger, m),
		Logger:   logger,
	})
	p.SetEmitter(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r)
		if err != nil {
			return
		}
		client.Run()
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Stopped()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testPeer is one connected websocket client under test.
type testPeer struct {
	t        *testing.T
	conn     *websocket.Conn
	socketID string
}

// connect dials the server and consumes the welcome frame.
func connect(t *testing.T, url string) *testPeer {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	p := &testPeer{t: t, conn: conn}

	var welcome protocol.Connected
	p.expect(protocol.EvConnected, &welcome)
	if welcome.SocketID == "" {
		t.Fatal("connected frame has no socket id")
	}
	if welcome.Transport != "websocket" {
		t.Errorf("transport = %q, want websocket", welcome.Transport)
	}
	p.socketID = welcome.SocketID
	return p
}

func (p *testPeer) send(event protocol.EventName, data any) {
	p.t.Helper()
	if err := p.conn.WriteJSON(protocol.New(event, data)); err != nil {
		p.t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until one matches event (skipping others, since peer
// notifications can interleave with direct replies) and decodes its payload
// into dst. Fails the test after two seconds.
func (p *testPeer) expect(event protocol.EventName, dst any) {
	p.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	var seen []string
	for {
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			p.t.Fatalf("set read deadline: %v", err)
		}
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("waiting for %s (saw %v): %v", event, seen, err)
		}
		got, data, err := protocol.ParseFrame(frame)
		if err != nil {
			p.t.Fatalf("server sent malformed frame: %v", err)
		}
		if got != event {
			seen = append(seen, string(got))
			continue
		}
		if dst != nil && len(data) > 0 {
			if err := json.Unmarshal(data, dst); err != nil {
				p.t.Fatalf("decode %s payload: %v", event, err)
			}
		}
		return
	}
}

// expectNext reads exactly one frame and requires it to be event. Used where
// the test must prove nothing else was sent in between.
func (p *testPeer) expectNext(event protocol.EventName) {
	p.t.Helper()

	if err := p.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		p.t.Fatalf("set read deadline: %v", err)
	}
	_, frame, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("waiting for %s: %v", event, err)
	}
	got, _, err := protocol.ParseFrame(frame)
	if err != nil {
		p.t.Fatalf("server sent malformed frame: %v", err)
	}
	if got != event {
		p.t.Fatalf("next frame = %s, want %s", got, event)
	}
}

func (p *testPeer) join(familyID, userID, username string) {
	p.t.Helper()
	p.send(protocol.EvJoinFamily, protocol.JoinFamily{
		FamilyID: familyID,
		UserID:   userID,
		Username: username,
	})
	var ack protocol.JoinedFamily
	p.expect(protocol.EvJoinedFamily, &ack)
	if !ack.Success || ack.FamilyID != familyID {
		p.t.Fatalf("join ack = %+v, want success for %s", ack, familyID)
	}
}

func TestPingPong(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)

	peer.send(protocol.EvPing, protocol.Ping{UserID: "u1", Timestamp: 12345})

	var pong protocol.Pong
	peer.expect(protocol.EvPong, &pong)
	if pong.Timestamp != 12345 {
		t.Errorf("pong timestamp = %d, want echo of 12345", pong.Timestamp)
	}
	if pong.ServerTime.IsZero() {
		t.Error("pong has no server time")
	}
}

func TestJoinSendLeaveScenario(t *testing.T) {
	url := newTestServer(t)

	x := connect(t, url)
	x.join("ABCD12", "u1", "Alice")

	var snapshot protocol.FamilyMembers
	x.expect(protocol.EvFamilyMembers, &snapshot)
	if snapshot.Count != 1 || len(snapshot.OnlineUsers) != 1 {
		t.Fatalf("first snapshot = %+v, want only Alice", snapshot)
	}
	if snapshot.OnlineUsers[0].SocketID != x.socketID {
		t.Errorf("snapshot socket = %s, want own id %s", snapshot.OnlineUsers[0].SocketID, x.socketID)
	}

	var backfill protocol.RecentMessages
	x.expect(protocol.EvRecentMessages, &backfill)
	if len(backfill.Messages) != 0 {
		t.Errorf("backfill = %v, want empty (history lives in the REST layer)", backfill.Messages)
	}

	y := connect(t, url)
	y.join("ABCD12", "u2", "Bob")

	var joined protocol.UserJoined
	x.expect(protocol.EvUserJoined, &joined)
	if joined.UserID != "u2" || joined.Username != "Bob" {
		t.Errorf("userJoined = %+v, want Bob", joined)
	}

	y.expect(protocol.EvFamilyMembers, &snapshot)
	if snapshot.Count != 2 {
		t.Errorf("Bob's snapshot count = %d, want 2", snapshot.Count)
	}

	x.send(protocol.EvSendMessage, protocol.SendMessage{Content: "hello"})

	var msg protocol.Message
	y.expect(protocol.EvNewMessage, &msg)
	if msg.Content != "hello" || msg.SenderID != "u1" || msg.SenderName != "Alice" {
		t.Errorf("Bob received %+v, want hello from Alice", msg)
	}
	if msg.ID == "" || msg.FamilyID != "ABCD12" {
		t.Errorf("message not stamped: %+v", msg)
	}

	// The sender gets its own echo with the same id.
	var echo protocol.Message
	x.expect(protocol.EvNewMessage, &echo)
	if echo.ID != msg.ID {
		t.Errorf("echo id = %s, want %s", echo.ID, msg.ID)
	}

	x.send(protocol.EvLeaveFamily, nil)

	var left protocol.LeftFamily
	x.expect(protocol.EvLeftFamily, &left)
	if !left.Success {
		t.Error("leave not confirmed")
	}

	var gone protocol.UserLeft
	y.expect(protocol.EvUserLeft, &gone)
	if gone.UserID != "u1" {
		t.Errorf("userLeft = %+v, want Alice", gone)
	}

	y.send(protocol.EvGetFamilyMembers, protocol.GetFamilyMembers{FamilyID: "ABCD12"})
	y.expect(protocol.EvFamilyMembers, &snapshot)
	if snapshot.Count != 1 || snapshot.OnlineUsers[0].SocketID != y.socketID {
		t.Errorf("snapshot after leave = %+v, want only Bob", snapshot)
	}
}

func TestTypingRelayedToPeersOnly(t *testing.T) {
	url := newTestServer(t)

	x := connect(t, url)
	x.join("FAM1", "u1", "Alice")
	y := connect(t, url)
	y.join("FAM1", "u2", "Bob")

	x.send(protocol.EvTyping, protocol.Typing{IsTyping: true})

	var typing protocol.UserTyping
	y.expect(protocol.EvUserTyping, &typing)
	if typing.UserID != "u1" || !typing.IsTyping {
		t.Errorf("userTyping = %+v, want Alice typing", typing)
	}

	// Alice must not receive her own indicator: a ping round-trip flushes the
	// pipeline, and the pong must be the next data frame she sees after the
	// join notifications.
	x.expect(protocol.EvUserJoined, nil) // Bob's arrival
	x.send(protocol.EvPing, protocol.Ping{UserID: "u1"})
	x.expectNext(protocol.EvPong)
}

func TestJoinWithoutUserID(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)

	peer.send(protocol.EvJoinFamily, protocol.JoinFamily{FamilyID: "FAM1"})

	var evErr protocol.ErrorPayload
	peer.expect(protocol.EvError, &evErr)
	if !strings.Contains(evErr.Message, "userId") {
		t.Errorf("error = %q, want mention of userId", evErr.Message)
	}
}

func TestSendBeforeJoin(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)

	peer.send(protocol.EvSendMessage, protocol.SendMessage{Content: "hello"})

	var evErr protocol.ErrorPayload
	peer.expect(protocol.EvError, &evErr)
	if !strings.Contains(evErr.Message, "join a family") {
		t.Errorf("error = %q, want join-first message", evErr.Message)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)
	peer.join("FAM1", "u1", "Alice")

	peer.send(protocol.EvSendMessage, protocol.SendMessage{Content: "   "})

	var evErr protocol.ErrorPayload
	peer.expect(protocol.EvError, &evErr)
	if !strings.Contains(evErr.Message, "empty") {
		t.Errorf("error = %q, want empty-content message", evErr.Message)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)

	if err := peer.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	var evErr protocol.ErrorPayload
	peer.expect(protocol.EvError, &evErr)

	// The connection survives and still serves requests.
	peer.send(protocol.EvPing, protocol.Ping{UserID: "u1"})
	peer.expect(protocol.EvPong, nil)
}

func TestGetMembersForOtherRoomIgnored(t *testing.T) {
	url := newTestServer(t)
	peer := connect(t, url)
	peer.join("FAM1", "u1", "Alice")
	peer.expect(protocol.EvRecentMessages, nil)

	// Snapshot request for a room the connection is not in: silently dropped,
	// so the following ping's pong is the very next frame.
	peer.send(protocol.EvGetFamilyMembers, protocol.GetFamilyMembers{FamilyID: "OTHER"})
	peer.send(protocol.EvPing, protocol.Ping{UserID: "u1"})
	peer.expectNext(protocol.EvPong)
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	url := newTestServer(t)

	x := connect(t, url)
	x.join("FAM1", "u1", "Alice")
	y := connect(t, url)
	y.join("FAM1", "u2", "Bob")

	x.conn.Close()

	var gone protocol.UserLeft
	y.expect(protocol.EvUserLeft, &gone)
	if gone.UserID != "u1" {
		t.Errorf("userLeft = %+v, want Alice", gone)
	}
}

func TestShutdownUnblocksClosingClients(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	p := presence.NewManager(logger, m)

	hub := NewHub(Config{
		Presence: p,
		Messages: relay.NewMessageRelay(p, logger, m),
		Typing:   relay.NewTypingRelay(p, logger, m),
		Logger:   logger,
	})
	p.SetEmitter(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	// Track every handler: each one blocks in Run until its pumps exit, so
	// wg.Wait only returns when no pump is stuck handing off to the hub.
	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		client, err := NewClient(hub, w, r)
		if err != nil {
			return
		}
		client.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// More clients than the unregister queue can buffer, all closing after
	// the hub has already stopped draining it.
	conns := make([]*websocket.Conn, 0, 24)
	for i := 0; i < 24; i++ {
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	cancel()
	<-hub.Stopped()

	for _, conn := range conns {
		conn.Close()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("client pumps still blocked after hub shutdown")
	}
}
