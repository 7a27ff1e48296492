package proxygateway

import (
	"log/slog"
	"time"
)

// Options configure a Gateway instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe. Defaults to
	// ":6277".
	Addr string
	// BasePath optionally mounts every route under a path prefix. Callers
	// using a prefix should set the manager's MessagePath to
	// BasePath + "/message" so the advertised endpoint matches the mount.
	BasePath string
	// AllowedOrigins restricts browser origins. Defaults to allowing all.
	AllowedOrigins []string
	// DefaultCommand, DefaultArgs, and DefaultEnvironment seed the /config
	// endpoint that browser UIs read to prefill their connect form.
	DefaultCommand     string
	DefaultArgs        string
	DefaultEnvironment map[string]string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown, session teardown included.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":6277"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
