package protocol

import "time"

// JoinFamily is the payload of joinFamily.
type JoinFamily struct {
	FamilyID string `json:"familyId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// SendMessage is the payload of sendMessage. FamilyID, UserID and Username
// are echoed by the client for parity with the original wire format, but the
// relay trusts only its own registry record for room membership.
type SendMessage struct {
	FamilyID string `json:"familyId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Content  string `json:"content"`
}

// Typing is the payload of typing.
type Typing struct {
	FamilyID string `json:"familyId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// GetFamilyMembers is the payload of getFamilyMembers.
type GetFamilyMembers struct {
	FamilyID string `json:"familyId"`
}

// Ping is the payload of ping. Timestamp is the client clock in Unix
// milliseconds, echoed back verbatim in the pong.
type Ping struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// Connected is the payload of connected.
type Connected struct {
	SocketID   string    `json:"socketId"`
	ServerTime time.Time `json:"serverTime"`
	Transport  string    `json:"transport"`
}

// Pong is the payload of pong.
type Pong struct {
	UserID     string    `json:"userId"`
	Timestamp  int64     `json:"timestamp"`
	ServerTime time.Time `json:"serverTime"`
	Transport  string    `json:"transport"`
}

// JoinedFamily is the payload of joinedFamily.
type JoinedFamily struct {
	FamilyID string `json:"familyId"`
	Success  bool   `json:"success"`
}

// LeftFamily is the payload of leftFamily.
type LeftFamily struct {
	Success bool `json:"success"`
}

// UserJoined is the payload of userJoined.
type UserJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserLeft is the payload of userLeft.
type UserLeft struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// OnlineUser is one entry of an online-users snapshot. Users are identified
// by their connection (socket id) rather than user id: the same user on two
// devices appears twice, matching the original behaviour.
type OnlineUser struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

// FamilyMembers is the payload of familyMembers.
type FamilyMembers struct {
	FamilyID    string       `json:"familyId"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
	Count       int          `json:"count"`
}

// Message is a chat message as it travels on the wire. The relay stamps ID
// and Timestamp server-side; it never persists the message.
type Message struct {
	ID         string    `json:"id"`
	FamilyID   string    `json:"familyId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecentMessages is the payload of recentMessages.
type RecentMessages struct {
	FamilyID string    `json:"familyId"`
	Messages []Message `json:"messages"`
}

// UserTyping is the payload of userTyping.
type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload is the payload of error.
type ErrorPayload struct {
	Message string `json:"message"`
}
