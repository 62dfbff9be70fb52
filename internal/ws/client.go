package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/pkg/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// If the write does not complete within this window the connection is
	// closed — a stalled client must not block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum frame size in bytes accepted from the
	// client. Chat frames are small; anything larger is abusive.
	maxMessageSize = 4096

	// sendBufferSize is the capacity of the per-client envelope channel.
	// When the buffer fills the client is considered too slow and the
	// affected deliveries are dropped so other room members are not stalled.
	sendBufferSize = 32
)

// Client represents a single connected websocket peer. Each client runs two
// goroutines: readPump (decodes inbound event frames and forwards them to
// the hub) and writePump (serialises outbound envelopes onto the wire).
//
// The send channel is the handoff point between fan-out and the writePump.
// It is closed by the hub when the client is unregistered, which causes
// writePump to drain and exit cleanly.
type Client struct {
	// id is the opaque, server-assigned socket id. Clients learn it from
	// the connected event and it doubles as the connection id in the
	// presence registry.
	id string

	hub  *Hub
	conn *websocket.Conn

	// send is the outbound envelope buffer. Fan-out writes here via the
	// hub's Emit; writePump reads and forwards to the wire.
	send chan protocol.Envelope

	// done is closed by the hub when the client is unregistered. It signals
	// the writePump to send a close frame and exit, and makes enqueue a
	// guaranteed no-op afterwards. Using a separate channel (rather than
	// closing send) keeps Emit free of send-on-closed-channel races.
	done chan struct{}

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection to websocket and wraps it in a
// Client. Returns an error if the upgrade fails (the upgrader has already
// written the error response in that case).
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan protocol.Envelope, sendBufferSize),
		done:   make(chan struct{}),
		logger: hub.logger.With(zap.String("conn_id", id), zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// ID returns the server-assigned socket id.
func (c *Client) ID() string {
	return c.id
}

// Run registers the client with the hub and starts the read and write pumps.
// It blocks until the connection closes.
func (c *Client) Run() {
	select {
	case c.hub.register <- c:
	case <-c.hub.stopped:
		// Hub already shut down — never start the pumps.
		c.conn.Close()
		return
	}

	// writePump runs in its own goroutine because it blocks on the send
	// channel and the wire write. readPump runs on the current goroutine.
	go c.writePump()
	c.readPump()
}

// enqueue attempts a non-blocking hand-off of env to the writePump. It
// reports whether the envelope was queued; false means the send buffer is
// full and the frame is dropped.
func (c *Client) enqueue(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// readPump reads event frames from the wire, parses the envelope and hands
// it to the hub's event loop. It also resets the read deadline on every pong
// so stale connections are detected.
//
// When the loop exits (connection closed or error), the client is
// unregistered from the hub so presence state is cleaned up and peers are
// notified.
func (c *Client) readPump() {
	defer func() {
		// The unregister queue is bounded; once the hub loop has exited it
		// is no longer drained, so a closing pump must not block on it.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		event, data, err := protocol.ParseFrame(frame)
		if err != nil {
			// Malformed frames are answered on this connection only and
			// never forwarded to the event loop.
			c.enqueue(protocol.New(protocol.EvError, protocol.ErrorPayload{
				Message: "malformed event frame",
			}))
			c.logger.Warn("ws: malformed frame", zap.Error(err))
			continue
		}

		select {
		case c.hub.inbound <- inboundEvent{client: c, event: event, data: data}:
		case <-c.done:
			return
		case <-c.hub.stopped:
			return
		}
	}
}

// writePump forwards envelopes from the send channel to the wire. It also
// sends periodic ping frames so readPump can detect stale connections.
//
// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-c.done:
			// The hub unregistered this client — send a close frame and exit.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
