package client

import "errors"

// Sentinel errors returned by the connection manager.
// Callers should use errors.Is for comparison.
var (
	// ErrConnectionTimeout is returned when the transport connects but the
	// server does not confirm the session (connected event + pong) within
	// the configured window, or when the overall connect bound elapses.
	ErrConnectionTimeout = errors.New("client: connection timeout")

	// ErrJoinTimeout is returned when the server does not acknowledge a
	// joinFamily request within the join window.
	ErrJoinTimeout = errors.New("client: join family timeout")

	// ErrMaxRetriesExceeded is recorded when the reconnect loop gives up
	// after its configured retry budget. The client ends in a terminal
	// Disconnected state; a fresh Connect starts over.
	ErrMaxRetriesExceeded = errors.New("client: max reconnect attempts exceeded")

	// ErrNotConnected is returned by operations that need a live session
	// when no REST fallback can serve them instead.
	ErrNotConnected = errors.New("client: not connected")

	// ErrConnectInProgress is returned by Connect when a connection attempt
	// is already running.
	ErrConnectInProgress = errors.New("client: connect already in progress")

	// ErrTransport wraps underlying socket failures (dial errors, broken
	// writes). Inspect with errors.Is and unwrap for the cause.
	ErrTransport = errors.New("client: transport error")
)
