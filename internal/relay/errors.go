package relay

import "errors"

// Sentinel errors returned by the message relay.
// Callers should use errors.Is for comparison.
var (
	// ErrNotInRoom is returned when a message is sent by a connection that
	// is not currently joined to any family. Typing indicators downgrade
	// this condition to a silent no-op; messaging treats it as a hard error.
	ErrNotInRoom = errors.New("relay: connection not in a family")

	// ErrEmptyContent is returned when a message body is blank.
	ErrEmptyContent = errors.New("relay: empty message content")
)
