package presence

import "errors"

// Sentinel errors returned by the presence manager.
// Callers should use errors.Is for comparison.
var (
	// ErrMissingIdentity is returned when a join request carries no user id.
	// This is the only validation the relay performs — actual family
	// membership is owned by the REST layer and is not consulted here.
	ErrMissingIdentity = errors.New("presence: join without user id")

	// ErrUnknownConnection is returned when an operation references a
	// connection id that has no registry record. This indicates a transport
	// bug (events arriving before registration or after teardown).
	ErrUnknownConnection = errors.New("presence: unknown connection")
)
