// Package ws implements the websocket transport of the relay: the per-client
// read/write pumps and the Hub, the single event loop that processes every
// connection, disconnection and inbound chat event.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/relay"
	"github.com/fearless-family/relay/pkg/protocol"
)

// transportName is reported in connected and pong payloads. The relay only
// speaks native websocket — there is no polling fallback transport.
const transportName = "websocket"

// inboundEvent is one parsed client frame queued for the hub's event loop.
type inboundEvent struct {
	client *Client
	event  protocol.EventName
	data   json.RawMessage
}

// Hub is the relay's event loop.
//
// # Design: single-writer event loop
//
// All connection registration, deregistration and chat event handling is
// serialised through a single goroutine — the Run loop — via channels.
// Handlers therefore run to completion without preemption relative to each
// other, which is what guarantees that every room member observes events in
// the order the relay processed them. The clients map is additionally
// guarded by a read-write mutex because ConnectedCount and Emit are also
// reachable from HTTP handler goroutines.
type Hub struct {
	// clients maps socket id to the connected client. Mutated only inside
	// the Run loop; mu covers the reads performed outside it.
	clients map[string]*Client
	mu      sync.RWMutex

	// register receives clients that have completed the websocket upgrade.
	register chan *Client

	// unregister receives clients whose read pump has exited.
	unregister chan *Client

	// inbound receives parsed event frames from every client's read pump.
	inbound chan inboundEvent

	// stopped is closed when the Run loop exits.
	stopped chan struct{}

	upgrader websocket.Upgrader

	presence *presence.Manager
	messages *relay.MessageRelay
	typing   *relay.TypingRelay
	logger   *zap.Logger
}

// Config carries the hub's dependencies and settings.
type Config struct {
	// AllowedOrigin restricts browser connections to a single origin.
	// Empty allows any origin (local development). Non-browser clients
	// (no Origin header) are always accepted.
	AllowedOrigin string

	Presence *presence.Manager
	Messages *relay.MessageRelay
	Typing   *relay.TypingRelay
	Logger   *zap.Logger
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		inbound:    make(chan inboundEvent, 256),
		stopped:    make(chan struct{}),
		presence:   cfg.Presence,
		messages:   cfg.Messages,
		typing:     cfg.Typing,
		logger:     cfg.Logger.Named("ws"),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || cfg.AllowedOrigin == "" {
				return true
			}
			return origin == cfg.AllowedOrigin
		},
	}

	return h
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled (server graceful shutdown),
// closing every connected client on the way out.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

			h.presence.Register(client.id)

			// Welcome frame: tells the client its socket id so it can
			// recognise itself in online-user snapshots.
			client.enqueue(protocol.New(protocol.EvConnected, protocol.Connected{
				SocketID:   client.id,
				ServerTime: time.Now().UTC(),
				Transport:  transportName,
			}))

		case client := <-h.unregister:
			h.mu.Lock()
			_, known := h.clients[client.id]
			if known {
				delete(h.clients, client.id)
				close(client.done)
			}
			h.mu.Unlock()

			if known {
				// Deregister after removal so the departure broadcast
				// reaches only the remaining room members.
				h.presence.Deregister(client.id)
			}

		case ev := <-h.inbound:
			h.handle(ev)

		case <-ctx.Done():
			h.mu.Lock()
			for _, client := range h.clients {
				close(client.done)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// Emit implements presence.Emitter. It performs a non-blocking hand-off to
// the target client's write pump and reports whether the envelope was
// queued. Unknown connection ids (already disconnected) report false.
func (h *Hub) Emit(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.enqueue(env)
}

// ConnectedCount returns the number of connected clients. Intended for the
// health endpoint.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stopped returns a channel that is closed once the Run loop has exited.
func (h *Hub) Stopped() <-chan struct{} {
	return h.stopped
}
