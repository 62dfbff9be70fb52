package relay

import (
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/pkg/protocol"
)

// TypingRelay broadcasts ephemeral typing-state changes to room peers.
// The relay keeps no timer state: it forwards the boolean as-is and the
// receiving client clears a stale "is typing" flag after an inactivity
// window (3s without a refreshed true).
type TypingRelay struct {
	presence *presence.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewTypingRelay creates a TypingRelay.
func NewTypingRelay(p *presence.Manager, logger *zap.Logger, m *metrics.Metrics) *TypingRelay {
	return &TypingRelay{
		presence: p,
		logger:   logger.Named("typing"),
		metrics:  m,
	}
}

// Set relays connID's typing state to its room peers, excluding the sender.
// Typing indicators are best-effort and non-critical: a roomless or unknown
// connection is a silent no-op, not an error.
func (r *TypingRelay) Set(connID string, isTyping bool) {
	conn, ok := r.presence.RoomOf(connID)
	if !ok || conn.RoomID == "" {
		return
	}

	r.presence.Broadcast(conn.RoomID, connID, protocol.New(protocol.EvUserTyping, protocol.UserTyping{
		UserID:   conn.UserID,
		Username: conn.Username,
		IsTyping: isTyping,
	}))
	r.metrics.TypingEvents.Inc()
}
