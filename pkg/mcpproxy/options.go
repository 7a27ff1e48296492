package mcpproxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options configure a Manager instance.
type Options struct {
	// MaxConnections caps the number of concurrent sessions. Zero means
	// unlimited.
	MaxConnections int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// SessionIDGenerator mints session identifiers. Defaults to random
	// UUIDs.
	SessionIDGenerator func() string
	// DialTimeout bounds backing connection establishment for configs that
	// do not carry their own timeout. Defaults to 30s.
	DialTimeout time.Duration
	// MessagePath is the POST endpoint advertised to SSE browsers.
	// Defaults to "/message".
	MessagePath string
	// KillGrace bounds how long closing a stdio session waits between
	// SIGTERM and SIGKILL. Zero keeps the transport default.
	KillGrace time.Duration
	// Reconnection is applied to streamable backing connections whose
	// config does not carry its own policy. Nil keeps the factory
	// defaults.
	Reconnection *ReconnectionOptions
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionIDGenerator == nil {
		opts.SessionIDGenerator = uuid.NewString
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.MessagePath == "" {
		opts.MessagePath = "/message"
	}
	return opts
}
