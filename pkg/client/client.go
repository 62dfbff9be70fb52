// Package client implements the connection manager consumed by UI layers:
// it owns the websocket lifecycle (connect, reconnect with exponential
// backoff, deterministic teardown), queues actions issued before the
// connection is ready, exposes typed event subscriptions, and falls back to
// the REST collaborator when the realtime channel is unavailable.
//
// A message can reach the UI twice — once as the relay's room echo and once
// as the REST confirmation — so every inbound message passes through an
// id-based de-duplication window before subscribers see it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/pkg/protocol"
)

// State is the connection manager's lifecycle state.
type State int

const (
	// StateDisconnected means no transport session exists. Terminal after
	// Disconnect or after the reconnect budget is exhausted.
	StateDisconnected State = iota

	// StateConnecting means a dial or reconnect attempt is in flight.
	StateConnecting

	// StateConnected means the session is established and confirmed stable.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// seenWindow bounds the de-duplication set. Old ids are evicted FIFO once
// the window is full; 512 messages is far beyond any realistic overlap
// between the realtime echo and the REST confirmation.
const seenWindow = 512

// Config configures a Client. Zero values fall back to the defaults noted
// on each field.
type Config struct {
	// URL is the relay websocket endpoint, e.g. "ws://localhost:3001/ws".
	URL string

	// RESTBaseURL is the REST collaborator's API base, e.g.
	// "http://localhost:3000/api". Empty disables the fallback path.
	RESTBaseURL string

	// UserID identifies this user on joins and messages. Required.
	UserID string

	// Username is the display name shown to peers. Optional.
	Username string

	// ConnectTimeout bounds a whole connect attempt (dial + confirmation).
	// Default 10s.
	ConnectTimeout time.Duration

	// StabilizeWait is how long after the transport connects the client
	// waits for the server pong that confirms the session is stable.
	// Default 1s.
	StabilizeWait time.Duration

	// JoinTimeout bounds the wait for a joinedFamily acknowledgement.
	// Default 5s.
	JoinTimeout time.Duration

	// LeaveTimeout bounds the wait for a leftFamily acknowledgement; local
	// room state is force-cleared when it elapses. Default 3s.
	LeaveTimeout time.Duration

	// QueueWait is how long JoinFamily waits for a connection before
	// settling for the recorded-intent/REST-fallback path. Default 3s.
	QueueWait time.Duration

	// MaxRetries bounds the automatic reconnect loop. Default 5.
	MaxRetries int

	// BackoffInitial and BackoffMax shape the reconnect delays (capped
	// doubling with jitter). Defaults 1s and 30s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.StabilizeWait == 0 {
		cfg.StabilizeWait = time.Second
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = 3 * time.Second
	}
	if cfg.QueueWait == 0 {
		cfg.QueueWait = 3 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Client is the relay connection manager. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger
	rest   *restFallback
	subs   *subscriptions

	// mu guards the mutable session fields below.
	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	socketID       string
	familyID       string // family confirmed by the server for this session
	intendedFamily string // family the caller wants; survives reconnects
	pending        []func()
	closed         bool
	reconnecting   bool
	reconnectStop  context.CancelFunc
	lastErr        error

	// writeMu serialises wire writes — gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	// seen implements the de-duplication window.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	// Ack routing between the read loop and in-flight operations.
	connectedCh chan protocol.Connected
	pongCh      chan protocol.Pong
	joinAckCh   chan protocol.JoinedFamily
	leaveAckCh  chan protocol.LeftFamily
	errEvtCh    chan protocol.ErrorPayload
}

// New creates a Client. Call Connect to establish the session.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:         cfg,
		logger:      cfg.Logger.Named("relay_client"),
		subs:        newSubscriptions(),
		seen:        make(map[string]struct{}),
		connectedCh: make(chan protocol.Connected, 1),
		pongCh:      make(chan protocol.Pong, 1),
		joinAckCh:   make(chan protocol.JoinedFamily, 1),
		leaveAckCh:  make(chan protocol.LeftFamily, 1),
		errEvtCh:    make(chan protocol.ErrorPayload, 1),
	}
	if cfg.RESTBaseURL != "" {
		c.rest = newRESTFallback(cfg.RESTBaseURL)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the server-assigned socket id for the current session,
// or the empty string when disconnected.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// CurrentFamily returns the family confirmed for this session, or the empty
// string when roomless.
func (c *Client) CurrentFamily() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.familyID
}

// LastError returns the error that ended the last session or reconnect loop.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect establishes the websocket session: dial, wait for the server's
// connected event, then confirm stability with a ping/pong round-trip before
// declaring Connected. Fails with ErrConnectionTimeout when the overall
// bound elapses. Queued actions (joins issued while disconnected) run in
// FIFO order once Connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	// Claim the connecting state inside the same critical section as the
	// guard, so concurrent Connect calls cannot both pass it and dial twice.
	c.state = StateConnecting
	c.closed = false
	c.lastErr = nil
	c.mu.Unlock()

	c.subs.notifyState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.dial(dialCtx); err != nil {
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.setState(StateConnected)
	c.afterConnect()
	return nil
}

// dial performs one transport session setup: websocket dial, connected
// event, stabilisation ping. On success c.conn and c.socketID are set and
// the read loop is running.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	drain(c.connectedCh)
	drain(c.pongCh)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	// The server sends connected{socketId,...} immediately after the
	// upgrade; treat its absence as an unusable session.
	select {
	case welcome := <-c.connectedCh:
		c.mu.Lock()
		c.socketID = welcome.SocketID
		c.mu.Unlock()
	case <-ctx.Done():
		c.discard(conn)
		return fmt.Errorf("%w: no welcome from server", ErrConnectionTimeout)
	}

	// Stabilisation: a ping/pong round-trip guards against connections
	// that drop immediately after the handshake.
	if err := c.send(protocol.New(protocol.EvPing, protocol.Ping{
		UserID:    c.cfg.UserID,
		Timestamp: time.Now().UnixMilli(),
	})); err != nil {
		c.discard(conn)
		return err
	}

	select {
	case <-c.pongCh:
	case <-time.After(c.cfg.StabilizeWait):
		c.discard(conn)
		return fmt.Errorf("%w: connection unstable after handshake", ErrConnectionTimeout)
	case <-ctx.Done():
		c.discard(conn)
		return fmt.Errorf("%w: connection unstable after handshake", ErrConnectionTimeout)
	}

	return nil
}

// discard abandons a half-established connection. Detaching it before the
// close makes the read loop's exit take the stale-connection path, so no
// reconnect loop is spawned for a session that never completed setup.
func (c *Client) discard(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// afterConnect flushes the pending-action queue in FIFO order and rejoins
// the intended family after a reconnect.
func (c *Client) afterConnect() {
	c.mu.Lock()
	actions := c.pending
	c.pending = nil
	rejoin := c.intendedFamily
	joined := c.familyID
	c.mu.Unlock()

	for _, action := range actions {
		action()
	}

	if rejoin != "" && joined == "" && c.CurrentFamily() == "" {
		if err := c.join(context.Background(), rejoin); err != nil {
			c.logger.Warn("rejoin after reconnect failed",
				zap.String("family_id", rejoin),
				zap.Error(err),
			)
		}
	}
}

// JoinFamily joins familyID, queueing the request if the connection is not
// yet established. The intended family is recorded immediately so the REST
// fallback path can operate even if the connection never comes up; in that
// case JoinFamily returns nil after QueueWait and the queued join still
// executes when the connection arrives.
func (c *Client) JoinFamily(ctx context.Context, familyID string) error {
	c.mu.Lock()
	c.intendedFamily = familyID

	if c.state != StateConnected {
		done := make(chan error, 1)
		c.pending = append(c.pending, func() {
			done <- c.join(context.Background(), familyID)
		})
		c.mu.Unlock()

		select {
		case err := <-done:
			return err
		case <-time.After(c.cfg.QueueWait):
			// Intent recorded; the queued join runs on (re)connect and
			// REST fallback covers the interim.
			c.logger.Info("join queued, continuing with fallback",
				zap.String("family_id", familyID),
			)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Unlock()

	return c.join(ctx, familyID)
}

// join performs the joinFamily round-trip against a live connection.
func (c *Client) join(ctx context.Context, familyID string) error {
	drain(c.joinAckCh)
	drain(c.errEvtCh)

	err := c.send(protocol.New(protocol.EvJoinFamily, protocol.JoinFamily{
		FamilyID: familyID,
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
	}))
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case ack := <-c.joinAckCh:
		if !ack.Success {
			return fmt.Errorf("client: join rejected for family %s", familyID)
		}
		c.mu.Lock()
		c.familyID = familyID
		c.mu.Unlock()

		// Ask for a fresh snapshot; it arrives via OnOnlineUsers.
		_ = c.send(protocol.New(protocol.EvGetFamilyMembers, protocol.GetFamilyMembers{
			FamilyID: familyID,
		}))
		return nil

	case evErr := <-c.errEvtCh:
		return fmt.Errorf("client: join rejected: %s", evErr.Message)

	case <-timer.C:
		return ErrJoinTimeout

	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage delivers content to the current family: over the realtime
// channel when connected and joined, otherwise via the REST collaborator.
// Either way the resulting message reaches OnMessage subscribers exactly
// once — duplicates are suppressed by id.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	c.mu.Lock()
	live := c.state == StateConnected && c.familyID != ""
	familyID := c.familyID
	if familyID == "" {
		familyID = c.intendedFamily
	}
	c.mu.Unlock()

	if live {
		return c.send(protocol.New(protocol.EvSendMessage, protocol.SendMessage{
			FamilyID: familyID,
			UserID:   c.cfg.UserID,
			Username: c.cfg.Username,
			Content:  content,
		}))
	}

	if c.rest == nil || familyID == "" {
		return ErrNotConnected
	}

	msg, err := c.rest.PostMessage(ctx, familyID, c.cfg.UserID, c.cfg.Username, content)
	if err != nil {
		return err
	}
	// Feed the confirmation through the same de-dup pipeline as realtime
	// echoes so the UI sees the message exactly once.
	c.dispatchMessage(msg)
	return nil
}

// SetTyping relays a typing-state change. Best-effort: without a live joined
// session it is a silent no-op.
func (c *Client) SetTyping(isTyping bool) error {
	c.mu.Lock()
	live := c.state == StateConnected && c.familyID != ""
	familyID := c.familyID
	c.mu.Unlock()

	if !live {
		return nil
	}
	return c.send(protocol.New(protocol.EvTyping, protocol.Typing{
		FamilyID: familyID,
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
		IsTyping: isTyping,
	}))
}

// RequestMembers asks the server for a fresh online-users snapshot, which
// arrives via OnOnlineUsers. No-op when not joined.
func (c *Client) RequestMembers() error {
	c.mu.Lock()
	live := c.state == StateConnected && c.familyID != ""
	familyID := c.familyID
	c.mu.Unlock()

	if !live {
		return nil
	}
	return c.send(protocol.New(protocol.EvGetFamilyMembers, protocol.GetFamilyMembers{
		FamilyID: familyID,
	}))
}

// History fetches the durable message backfill from the REST collaborator.
func (c *Client) History(ctx context.Context) ([]protocol.Message, error) {
	c.mu.Lock()
	familyID := c.familyID
	if familyID == "" {
		familyID = c.intendedFamily
	}
	c.mu.Unlock()

	if c.rest == nil {
		return nil, errors.New("client: no REST base configured")
	}
	if familyID == "" {
		return nil, errors.New("client: no family selected")
	}
	return c.rest.Messages(ctx, familyID)
}

// LeaveFamily leaves the current family. Best-effort: local room state is
// always cleared, even if the server acknowledgement never arrives within
// LeaveTimeout or the transport is already gone.
func (c *Client) LeaveFamily(ctx context.Context) error {
	c.mu.Lock()
	live := c.state == StateConnected && c.familyID != ""
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.familyID = ""
		c.intendedFamily = ""
		c.mu.Unlock()
	}()

	if !live {
		return nil
	}

	drain(c.leaveAckCh)
	if err := c.send(protocol.New(protocol.EvLeaveFamily, nil)); err != nil {
		return nil //nolint:nilerr // force-clear semantics: local state wins
	}

	timer := time.NewTimer(c.cfg.LeaveTimeout)
	defer timer.Stop()

	select {
	case <-c.leaveAckCh:
	case <-timer.C:
		c.logger.Warn("leave family timed out, clearing local state")
	case <-ctx.Done():
	}
	return nil
}

// Disconnect tears the session down deterministically: the reconnect loop
// is cancelled, queued actions are discarded, and the transport is closed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.familyID = ""
	if c.reconnectStop != nil {
		c.reconnectStop()
		c.reconnectStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.setState(StateDisconnected)
}

// send writes one envelope to the wire.
func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// readLoop decodes server frames and routes them to ack channels and
// subscribers until the connection dies.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var raw struct {
			Event protocol.EventName `json:"event"`
			Data  json.RawMessage    `json:"data"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.dispatch(raw.Event, raw.Data)
	}
}

func (c *Client) dispatch(event protocol.EventName, data json.RawMessage) {
	switch event {
	case protocol.EvConnected:
		var p protocol.Connected
		if json.Unmarshal(data, &p) == nil {
			offer(c.connectedCh, p)
		}
	case protocol.EvPong:
		var p protocol.Pong
		if json.Unmarshal(data, &p) == nil {
			offer(c.pongCh, p)
		}
	case protocol.EvJoinedFamily:
		var p protocol.JoinedFamily
		if json.Unmarshal(data, &p) == nil {
			offer(c.joinAckCh, p)
		}
	case protocol.EvLeftFamily:
		var p protocol.LeftFamily
		if json.Unmarshal(data, &p) == nil {
			offer(c.leaveAckCh, p)
		}
	case protocol.EvNewMessage:
		var msg protocol.Message
		if json.Unmarshal(data, &msg) == nil {
			c.dispatchMessage(msg)
		}
	case protocol.EvRecentMessages:
		var p protocol.RecentMessages
		if json.Unmarshal(data, &p) == nil {
			for _, msg := range p.Messages {
				c.dispatchMessage(msg)
			}
		}
	case protocol.EvUserTyping:
		var p protocol.UserTyping
		if json.Unmarshal(data, &p) == nil {
			c.subs.notifyTyping(p)
		}
	case protocol.EvUserJoined:
		var p protocol.UserJoined
		if json.Unmarshal(data, &p) == nil {
			c.subs.notifyJoined(p)
		}
	case protocol.EvUserLeft:
		var p protocol.UserLeft
		if json.Unmarshal(data, &p) == nil {
			c.subs.notifyLeft(p)
		}
	case protocol.EvFamilyMembers:
		var p protocol.FamilyMembers
		if json.Unmarshal(data, &p) == nil {
			c.subs.notifyOnline(p.OnlineUsers)
		}
	case protocol.EvError:
		var p protocol.ErrorPayload
		if json.Unmarshal(data, &p) == nil {
			offer(c.errEvtCh, p)
			c.logger.Warn("server error event", zap.String("message", p.Message))
		}
	default:
		c.logger.Debug("ignoring unknown event", zap.String("event", string(event)))
	}
}

// dispatchMessage applies the de-duplication window before notifying
// subscribers. Safe against the realtime echo and the REST confirmation of
// the same message arriving in either order.
func (c *Client) dispatchMessage(msg protocol.Message) {
	c.seenMu.Lock()
	if _, dup := c.seen[msg.ID]; dup {
		c.seenMu.Unlock()
		return
	}
	c.seen[msg.ID] = struct{}{}
	c.seenOrder = append(c.seenOrder, msg.ID)
	if len(c.seenOrder) > seenWindow {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	c.seenMu.Unlock()

	c.subs.notifyMessage(msg)
}

// handleReadError runs when the read loop dies. An explicit Disconnect ends
// here quietly; an unexpected drop clears the session and starts the
// reconnect loop.
func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn && !c.closed {
		// A stale loop from a superseded connection; the live session is
		// unaffected.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.socketID = ""
	c.familyID = ""
	explicit := c.closed
	c.mu.Unlock()

	conn.Close()

	if explicit {
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.setState(StateDisconnected)
	go c.reconnectLoop()
}

// reconnectLoop retries the session with capped exponential backoff and
// jitter until it succeeds, Disconnect cancels it, or MaxRetries attempts
// fail — at which point the client settles in a terminal Disconnected state
// with ErrMaxRetriesExceeded recorded.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectStop = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.reconnecting = false
		c.reconnectStop = nil
		c.mu.Unlock()
	}()

	delay := c.cfg.BackoffInitial

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(delay)):
		}

		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxRetries),
			zap.Duration("backoff", delay),
		)
		c.setState(StateConnecting)

		attemptCtx, attemptCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := c.dial(attemptCtx)
		attemptCancel()

		if err == nil {
			c.setState(StateConnected)
			c.afterConnect()
			return
		}

		c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		c.setState(StateDisconnected)
		delay = nextBackoff(delay, c.cfg.BackoffMax)
	}

	c.mu.Lock()
	c.lastErr = ErrMaxRetriesExceeded
	c.mu.Unlock()
	c.logger.Warn("giving up on reconnection", zap.Int("attempts", c.cfg.MaxRetries))
	c.setState(StateDisconnected)
}

// setState records the new state and notifies subscribers outside any lock.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.subs.notifyState(s)
}

// offer performs a non-blocking send, dropping the value when nobody is
// waiting and the one-slot buffer is full (stale acks are discarded by the
// next operation's drain).
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// drain empties a buffered ack channel so a new operation cannot observe a
// stale acknowledgement.
func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
