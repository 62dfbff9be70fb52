// Package presence maintains the in-memory state of who is connected and
// which family room each connection is joined to.
//
// Two leaf stores hold the state: the Registry (connection id → record) and
// the Directory (family id → member set). Both are exclusively owned and
// mutated by the Manager, which acts as the single writer on behalf of every
// other component; readers go through its accessors (Members, RoomOf).
//
// All state is in-memory and intentionally non-persistent: if the relay
// restarts, clients reconnect and rejoin automatically via their
// reconnection loop. Durable family membership lives in the REST layer and
// is never consulted here — the relay trusts client-supplied identifiers.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/pkg/protocol"
)

// defaultUsername is used whenever a client supplies no display name.
const defaultUsername = "Anonymous"

// Emitter delivers an envelope to a single connection. Implementations must
// never block: the Manager calls Emit while holding its mutex so that room
// delivery order matches processing order. Emit reports whether the envelope
// was queued; a false return means the peer was too slow and the frame was
// dropped.
type Emitter interface {
	Emit(connID string, env protocol.Envelope) bool
}

// Manager is the presence and membership manager. It is safe for concurrent
// use: the websocket hub, the REST handlers and the relays all call into it
// from their own goroutines.
//
// The zero value is not usable — create instances with NewManager.
type Manager struct {
	mu        sync.RWMutex
	registry  *Registry
	directory *Directory
	emitter   Emitter
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a Manager with empty registry and directory.
func NewManager(logger *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		registry:  NewRegistry(),
		directory: NewDirectory(),
		logger:    logger.Named("presence"),
		metrics:   m,
	}
}

// SetEmitter binds the transport used for notifications. Must be called once
// during startup, before any connection registers.
func (m *Manager) SetEmitter(e Emitter) {
	m.emitter = e
}

// Register creates a registry record for a freshly connected transport.
func (m *Manager) Register(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry.Add(connID)
	m.metrics.Connections.Set(float64(m.registry.Len()))

	m.logger.Info("connection registered",
		zap.String("conn_id", connID),
		zap.Int("total_connections", m.registry.Len()),
	)
}

// Join places connID into familyID's member set and records the supplied
// identity. It returns the fresh online-users snapshot for the room.
//
// Semantics:
//   - A join with an empty userID fails with ErrMissingIdentity — the only
//     validation performed. Any client may join any family by id.
//   - Joining a new family while already in another implicitly leaves the
//     previous one (a connection is never in two rooms at once); former
//     peers receive userLeft.
//   - Rejoining the current family is idempotent: the identity is refreshed
//     and the snapshot re-sent, but peers are not notified again and the
//     directory entry is not duplicated.
func (m *Manager) Join(connID, familyID, userID, username string) ([]protocol.OnlineUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.registry.Get(connID)
	if conn == nil {
		return nil, ErrUnknownConnection
	}
	if userID == "" {
		return nil, ErrMissingIdentity
	}
	if username == "" {
		username = defaultUsername
	}

	rejoin := conn.RoomID == familyID

	if conn.RoomID != "" && !rejoin {
		m.leaveLocked(conn)
	}

	conn.UserID = userID
	conn.Username = username
	conn.RoomID = familyID
	m.directory.Add(familyID, connID)
	m.metrics.Rooms.Set(float64(m.directory.Len()))

	if !rejoin {
		m.broadcastLocked(familyID, connID, protocol.New(protocol.EvUserJoined, protocol.UserJoined{
			UserID:   userID,
			Username: username,
		}))
	}

	m.logger.Info("user joined family",
		zap.String("conn_id", connID),
		zap.String("family_id", familyID),
		zap.String("user_id", userID),
		zap.String("username", username),
		zap.Bool("rejoin", rejoin),
	)

	return m.membersLocked(familyID), nil
}

// Leave removes connID from its current family, notifying former peers.
// It reports whether the connection was in a room; leaving while roomless is
// a no-op, not an error.
func (m *Manager) Leave(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.registry.Get(connID)
	if conn == nil || conn.RoomID == "" {
		return false
	}

	familyID := conn.RoomID
	m.leaveLocked(conn)

	m.logger.Info("user left family",
		zap.String("conn_id", connID),
		zap.String("family_id", familyID),
		zap.String("user_id", conn.UserID),
	)
	return true
}

// Deregister tears down all state for a disconnected transport: it leaves
// the current room (notifying peers) and destroys the registry record.
func (m *Manager) Deregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.registry.Get(connID)
	if conn == nil {
		// Already removed — can happen in a race between explicit close
		// and read-pump teardown.
		return
	}

	if conn.RoomID != "" {
		m.leaveLocked(conn)
	}
	m.registry.Remove(connID)
	m.metrics.Connections.Set(float64(m.registry.Len()))

	m.logger.Info("connection deregistered",
		zap.String("conn_id", connID),
		zap.Int("total_connections", m.registry.Len()),
	)
}

// Members returns a point-in-time online-users snapshot for familyID,
// recomputed on demand from Registry ∩ Directory — never cached. The result
// is sorted by socket id for deterministic output. Read-only, no side
// effects.
func (m *Manager) Members(familyID string) []protocol.OnlineUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(familyID)
}

// RoomOf returns a copy of the registry record for connID. The second return
// is false if the connection is unknown.
func (m *Manager) RoomOf(connID string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn := m.registry.Get(connID)
	if conn == nil {
		return Connection{}, false
	}
	return *conn, true
}

// Broadcast delivers env to every member of familyID except exceptConnID
// (pass the empty string to include everyone). The fan-out runs under the
// manager's exclusive lock so that all members observe room events in the
// same order the relay processed them. Emits never block, so holding the
// lock is bounded by the member count.
//
// Returns the number of members the envelope was queued for.
func (m *Manager) Broadcast(familyID, exceptConnID string, env protocol.Envelope) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcastLocked(familyID, exceptConnID, env)
}

// leaveLocked removes conn from its current room, notifies remaining peers
// and clears the record's room. Caller must hold mu.
func (m *Manager) leaveLocked(conn *Connection) {
	familyID := conn.RoomID
	m.directory.Remove(familyID, conn.ID)
	conn.RoomID = ""
	m.metrics.Rooms.Set(float64(m.directory.Len()))

	m.broadcastLocked(familyID, conn.ID, protocol.New(protocol.EvUserLeft, protocol.UserLeft{
		UserID:   conn.UserID,
		Username: conn.Username,
	}))
}

// broadcastLocked fans env out to roomID's members. Caller must hold mu.
func (m *Manager) broadcastLocked(roomID, exceptConnID string, env protocol.Envelope) int {
	delivered := 0
	for connID := range m.directory.Members(roomID) {
		if connID == exceptConnID {
			continue
		}
		if m.emitter.Emit(connID, env) {
			delivered++
		} else {
			// Peer too slow or already gone — best-effort delivery, the
			// frame is dropped rather than stalling the room.
			m.metrics.DroppedDeliveries.Inc()
		}
	}
	return delivered
}

// membersLocked computes the snapshot for familyID. Caller must hold mu (read
// or write).
func (m *Manager) membersLocked(familyID string) []protocol.OnlineUser {
	memberIDs := m.directory.Members(familyID)
	users := make([]protocol.OnlineUser, 0, len(memberIDs))
	for connID := range memberIDs {
		conn := m.registry.Get(connID)
		if conn == nil {
			// Directory and registry are mutated together under mu, so a
			// dangling member indicates a bug rather than a race.
			continue
		}
		users = append(users, protocol.OnlineUser{
			SocketID: conn.ID,
			Username: conn.Username,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].SocketID < users[j].SocketID })
	return users
}
