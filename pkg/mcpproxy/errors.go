package mcpproxy

import "errors"

// Sentinel errors returned by the proxy core. Callers classify failures with
// errors.Is; the HTTP layer maps each class to a response status.
var (
	// ErrInvalidConfig reports raw connection parameters that cannot be
	// resolved into a server configuration.
	ErrInvalidConfig = errors.New("invalid server configuration")

	// ErrConnectionFailed reports that the backing server could not be
	// spawned or dialed.
	ErrConnectionFailed = errors.New("backing connection failed")

	// ErrUnauthorized reports that the backing server rejected the
	// forwarded credentials.
	ErrUnauthorized = errors.New("backing server rejected credentials")

	// ErrTooManyConnections reports that the configured session limit has
	// been reached.
	ErrTooManyConnections = errors.New("connection limit reached")

	// ErrSessionNotFound reports a session identifier with no live session
	// behind it.
	ErrSessionNotFound = errors.New("session not found")
)
