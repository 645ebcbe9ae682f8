package conn

import "errors"

var (
	// ErrAuthenticationRequired means no bearer token was available. The
	// manager does not dial and does not retry.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrConnectionTimeout means the server did not acknowledge the session
	// within the connect timeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrHeartbeatTimeout means no PONG arrived within the pong timeout.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrMaxReconnectAttempts is terminal until the next Connect.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")

	// ErrNotConnected is returned by Send outside the CONNECTED state.
	ErrNotConnected = errors.New("not connected")

	// ErrSendFailure wraps a frame that could not be written.
	ErrSendFailure = errors.New("send failure")

	// ErrClosed is returned when the event loop is not running.
	ErrClosed = errors.New("connection manager not running")
)

// surfaced reports whether err needs user action and therefore belongs in
// LastError. Everything else is logged and healed internally.
func surfaced(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) || errors.Is(err, ErrMaxReconnectAttempts)
}
