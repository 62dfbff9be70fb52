package presence

// Connection is the ephemeral per-connection record tracked by the registry.
// It is created on transport connect and destroyed on transport disconnect.
// UserID and Username are client-supplied and not verified.
type Connection struct {
	// ID is the opaque, transport-assigned connection (socket) id.
	ID string

	// UserID is the client-supplied user identifier. Empty until the first
	// successful join.
	UserID string

	// Username is the display name, defaulting to "Anonymous".
	Username string

	// RoomID is the family the connection is currently joined to, or the
	// empty string when roomless. A connection belongs to at most one room.
	RoomID string
}

// Registry maps connection ids to their records. It is a plain leaf store
// with no internal locking: the Manager is its single writer and guards all
// access with its own mutex.
type Registry struct {
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add creates a record for connID. Username starts as "Anonymous" until a
// join supplies a real display name.
func (r *Registry) Add(connID string) *Connection {
	c := &Connection{ID: connID, Username: defaultUsername}
	r.conns[connID] = c
	return c
}

// Get returns the record for connID, or nil if none exists.
func (r *Registry) Get(connID string) *Connection {
	return r.conns[connID]
}

// Remove deletes the record for connID. Removing an unknown id is a no-op.
func (r *Registry) Remove(connID string) {
	delete(r.conns, connID)
}

// Len returns the number of live connection records.
func (r *Registry) Len() int {
	return len(r.conns)
}
