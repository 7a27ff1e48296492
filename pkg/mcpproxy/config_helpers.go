package mcpproxy

// Lightweight helpers for narrowing and inspecting ServerConfig values without
// forcing consumers to use a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio      ConfigTransport = "stdio"
	TransportSSE        ConfigTransport = "sse"
	TransportStreamable ConfigTransport = "streamable-http"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *SSEServerConfig:
		return TransportSSE
	case *StreamableHTTPServerConfig:
		return TransportStreamable
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsSSE reports whether cfg is an *SSEServerConfig.
func IsSSE(cfg ServerConfig) bool {
	_, ok := cfg.(*SSEServerConfig)
	return ok
}

// IsStreamable reports whether cfg is a *StreamableHTTPServerConfig.
func IsStreamable(cfg ServerConfig) bool {
	_, ok := cfg.(*StreamableHTTPServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsSSE narrows cfg to *SSEServerConfig, returning (nil, false) when it does
// not match.
func AsSSE(cfg ServerConfig) (*SSEServerConfig, bool) {
	c, ok := cfg.(*SSEServerConfig)
	return c, ok
}

// AsStreamable narrows cfg to *StreamableHTTPServerConfig, returning
// (nil, false) when it does not match.
func AsStreamable(cfg ServerConfig) (*StreamableHTTPServerConfig, bool) {
	c, ok := cfg.(*StreamableHTTPServerConfig)
	return c, ok
}

// Target returns the human-readable destination of a config: the command for
// stdio servers, the endpoint for HTTP-based ones.
func Target(cfg ServerConfig) string {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return c.Command
	case *SSEServerConfig:
		return c.Endpoint
	case *StreamableHTTPServerConfig:
		return c.Endpoint
	default:
		return ""
	}
}
