package ws

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/relay"
	"github.com/fearless-family/relay/pkg/protocol"
)

// handle dispatches one inbound event. It runs on the hub's event loop, so
// handlers for join, leave, sendMessage and typing never preempt each other.
// Validation failures are answered on the originating connection only.
func (h *Hub) handle(ev inboundEvent) {
	switch ev.event {
	case protocol.EvJoinFamily:
		h.handleJoin(ev)
	case protocol.EvLeaveFamily:
		h.handleLeave(ev)
	case protocol.EvSendMessage:
		h.handleSendMessage(ev)
	case protocol.EvTyping:
		h.handleTyping(ev)
	case protocol.EvGetFamilyMembers:
		h.handleGetMembers(ev)
	case protocol.EvPing:
		h.handlePing(ev)
	default:
		h.emitError(ev.client, "unknown event: "+string(ev.event))
	}
}

func (h *Hub) handleJoin(ev inboundEvent) {
	var p protocol.JoinFamily
	if !h.decode(ev, &p) {
		return
	}

	users, err := h.presence.Join(ev.client.id, p.FamilyID, p.UserID, p.Username)
	if err != nil {
		if errors.Is(err, presence.ErrMissingIdentity) {
			h.emitError(ev.client, "userId is required to join a family")
		} else {
			h.emitError(ev.client, "failed to join family")
			h.logger.Warn("join failed", zap.String("conn_id", ev.client.id), zap.Error(err))
		}
		return
	}

	ev.client.enqueue(protocol.New(protocol.EvJoinedFamily, protocol.JoinedFamily{
		FamilyID: p.FamilyID,
		Success:  true,
	}))
	ev.client.enqueue(protocol.New(protocol.EvFamilyMembers, protocol.FamilyMembers{
		FamilyID:    p.FamilyID,
		OnlineUsers: users,
		Count:       len(users),
	}))
	// The relay keeps no history — the backfill is always empty and the
	// REST layer provides real history to the client on demand.
	ev.client.enqueue(protocol.New(protocol.EvRecentMessages, protocol.RecentMessages{
		FamilyID: p.FamilyID,
		Messages: []protocol.Message{},
	}))
}

func (h *Hub) handleLeave(ev inboundEvent) {
	h.presence.Leave(ev.client.id)

	// Confirmed unconditionally: leaving while roomless is a no-op, and the
	// client's local state ends up cleared either way.
	ev.client.enqueue(protocol.New(protocol.EvLeftFamily, protocol.LeftFamily{Success: true}))
}

func (h *Hub) handleSendMessage(ev inboundEvent) {
	var p protocol.SendMessage
	if !h.decode(ev, &p) {
		return
	}

	if _, err := h.messages.Send(ev.client.id, p.Content); err != nil {
		switch {
		case errors.Is(err, relay.ErrNotInRoom):
			h.emitError(ev.client, "join a family before sending messages")
		case errors.Is(err, relay.ErrEmptyContent):
			h.emitError(ev.client, "message content must not be empty")
		default:
			h.emitError(ev.client, "failed to send message")
			h.logger.Warn("send failed", zap.String("conn_id", ev.client.id), zap.Error(err))
		}
	}
}

func (h *Hub) handleTyping(ev inboundEvent) {
	var p protocol.Typing
	if !h.decode(ev, &p) {
		return
	}
	h.typing.Set(ev.client.id, p.IsTyping)
}

func (h *Hub) handleGetMembers(ev inboundEvent) {
	var p protocol.GetFamilyMembers
	if !h.decode(ev, &p) {
		return
	}

	// Snapshots are served only for the family the connection is actually
	// in; requests for other rooms are ignored.
	conn, ok := h.presence.RoomOf(ev.client.id)
	if !ok || conn.RoomID != p.FamilyID {
		return
	}

	users := h.presence.Members(p.FamilyID)
	ev.client.enqueue(protocol.New(protocol.EvFamilyMembers, protocol.FamilyMembers{
		FamilyID:    p.FamilyID,
		OnlineUsers: users,
		Count:       len(users),
	}))
}

func (h *Hub) handlePing(ev inboundEvent) {
	var p protocol.Ping
	if !h.decode(ev, &p) {
		return
	}

	ev.client.enqueue(protocol.New(protocol.EvPong, protocol.Pong{
		UserID:     p.UserID,
		Timestamp:  p.Timestamp,
		ServerTime: time.Now().UTC(),
		Transport:  transportName,
	}))
}

// decode unmarshals the event payload into dst, answering the client with an
// error frame on failure. Returns false when the payload was malformed.
func (h *Hub) decode(ev inboundEvent, dst any) bool {
	if len(ev.data) == 0 {
		// Missing payloads leave dst zero-valued; per-field validation
		// downstream produces the specific error.
		return true
	}
	if err := json.Unmarshal(ev.data, dst); err != nil {
		h.emitError(ev.client, "malformed payload for event "+string(ev.event))
		h.logger.Warn("malformed payload",
			zap.String("conn_id", ev.client.id),
			zap.String("event", string(ev.event)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// emitError sends error{message} to a single connection. Errors are never
// broadcast.
func (h *Hub) emitError(c *Client, message string) {
	c.enqueue(protocol.New(protocol.EvError, protocol.ErrorPayload{Message: message}))
}
