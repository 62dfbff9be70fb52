// Package relay implements the stateless fan-out components: the message
// relay and the typing indicator relay. Both read room membership through
// the presence manager and keep no state of their own — messages exist only
// for the duration of the broadcast, history and persistence belong to the
// REST layer.
package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/pkg/protocol"
)

// MessageRelay accepts chat messages from joined connections and broadcasts
// them to the sender's family room.
type MessageRelay struct {
	presence *presence.Manager
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewMessageRelay creates a MessageRelay.
func NewMessageRelay(p *presence.Manager, logger *zap.Logger, m *metrics.Metrics) *MessageRelay {
	return &MessageRelay{
		presence: p,
		logger:   logger.Named("relay"),
		metrics:  m,
	}
}

// Send validates, stamps and broadcasts a chat message from connID.
//
// The message is delivered to the entire room, sender included: the original
// behaviour is to echo the message back, and clients reconcile their
// optimistic local copy with the echo by de-duplicating on the server id.
//
// Fails with ErrNotInRoom when the connection has no current family and
// ErrEmptyContent when the body is blank. Delivery is best-effort at-most-
// once: peers whose buffers are full are skipped, never retried.
func (r *MessageRelay) Send(connID, content string) (protocol.Message, error) {
	conn, ok := r.presence.RoomOf(connID)
	if !ok || conn.RoomID == "" {
		return protocol.Message{}, ErrNotInRoom
	}
	if strings.TrimSpace(content) == "" {
		return protocol.Message{}, ErrEmptyContent
	}

	// UUIDv7 ids are time-ordered, so clients sorting by id agree with
	// sorting by timestamp.
	msg := protocol.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		FamilyID:   conn.RoomID,
		SenderID:   conn.UserID,
		SenderName: conn.Username,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}

	delivered := r.presence.Broadcast(conn.RoomID, "", protocol.New(protocol.EvNewMessage, msg))
	r.metrics.Messages.Inc()

	r.logger.Info("message broadcast",
		zap.String("message_id", msg.ID),
		zap.String("family_id", msg.FamilyID),
		zap.String("sender_id", msg.SenderID),
		zap.Int("delivered", delivered),
	)

	return msg, nil
}
