// Package protocol defines the wire protocol spoken between the relay server
// and its clients. Every frame is a JSON envelope carrying an event name and
// an event-specific payload:
//
//	{"event":"sendMessage","data":{"familyId":"ABCD12","content":"hello"}}
//
// The protocol is bidirectional: clients emit commands (joinFamily,
// sendMessage, typing, ...) and the server emits notifications (newMessage,
// userJoined, familyMembers, ...). Both directions share the Envelope shape.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventName identifies the kind of event carried by an Envelope.
type EventName string

// Client → server events.
const (
	// EvJoinFamily asks the relay to place this connection into a family
	// room. Carries the client-supplied identity — the relay does not
	// verify it against any membership store.
	EvJoinFamily EventName = "joinFamily"

	// EvLeaveFamily removes the connection from its current family room.
	EvLeaveFamily EventName = "leaveFamily"

	// EvSendMessage submits a chat message for broadcast to the sender's
	// current family room.
	EvSendMessage EventName = "sendMessage"

	// EvTyping reports a typing-state change for fan-out to room peers.
	EvTyping EventName = "typing"

	// EvGetFamilyMembers requests a fresh online-users snapshot.
	EvGetFamilyMembers EventName = "getFamilyMembers"

	// EvPing is an application-level liveness probe. The server answers
	// with a pong carrying the original timestamp and its own clock.
	EvPing EventName = "ping"
)

// Server → client events.
const (
	// EvConnected is sent once, immediately after the transport connects,
	// and tells the client its server-assigned socket id.
	EvConnected EventName = "connected"

	// EvPong answers a ping.
	EvPong EventName = "pong"

	// EvJoinedFamily confirms a joinFamily request.
	EvJoinedFamily EventName = "joinedFamily"

	// EvLeftFamily confirms a leaveFamily request.
	EvLeftFamily EventName = "leftFamily"

	// EvUserJoined notifies room peers that another user joined.
	EvUserJoined EventName = "userJoined"

	// EvUserLeft notifies room peers that a user left or disconnected.
	EvUserLeft EventName = "userLeft"

	// EvFamilyMembers carries the online-users snapshot for a family.
	EvFamilyMembers EventName = "familyMembers"

	// EvRecentMessages carries the message backfill sent on join. The relay
	// keeps no history, so the list is empty — the REST layer owns backfill.
	EvRecentMessages EventName = "recentMessages"

	// EvNewMessage carries a chat message. Broadcast to the entire room,
	// sender included — clients de-duplicate by message id.
	EvNewMessage EventName = "newMessage"

	// EvUserTyping carries a peer's typing-state change.
	EvUserTyping EventName = "userTyping"

	// EvError reports a request validation failure to the offending
	// connection only. Never broadcast.
	EvError EventName = "error"
)

// Envelope is the frame exchanged on the wire. For outbound frames Data holds
// the payload struct directly; inbound frames are parsed with ParseFrame so
// the payload can be decoded once the event name is known.
type Envelope struct {
	Event EventName `json:"event"`
	Data  any       `json:"data,omitempty"`
}

// New builds an outbound envelope.
func New(event EventName, data any) Envelope {
	return Envelope{Event: event, Data: data}
}

// ParseFrame splits an inbound frame into its event name and raw payload.
// The payload is returned undecoded — callers unmarshal it into the struct
// matching the event.
func ParseFrame(frame []byte) (EventName, json.RawMessage, error) {
	var raw struct {
		Event EventName       `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if raw.Event == "" {
		return "", nil, fmt.Errorf("protocol: frame missing event name")
	}
	return raw.Event, raw.Data, nil
}
