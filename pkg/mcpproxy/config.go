package mcpproxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// ReconnectionOptions configures the reconnect strategy applied to
// streamable HTTP backing connections.
type ReconnectionOptions struct {
	// InitialDelay is the wait before the first retry. Defaults to 1s.
	InitialDelay time.Duration
	// GrowthFactor multiplies the delay after every failed attempt.
	// Defaults to 1.5.
	GrowthFactor float64
	// MaxDelay caps the per-attempt delay. Defaults to 30s.
	MaxDelay time.Duration
	// MaxRetries bounds the number of retries. Defaults to 2.
	MaxRetries int
}

func (o *ReconnectionOptions) withDefaults() ReconnectionOptions {
	opts := ReconnectionOptions{}
	if o != nil {
		opts = *o
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.GrowthFactor <= 1 {
		opts.GrowthFactor = 1.5
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	return opts
}

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// Timeout bounds how long establishing the backing connection may take.
	// Zero means the manager default applies.
	Timeout time.Duration
}

// StdioServerConfig describes a backing MCP server launched as a child
// process speaking newline-delimited JSON-RPC on stdio.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	// Env entries are merged over the parent process environment: they
	// override or add variables but never unset inherited ones.
	Env map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// SSEServerConfig describes a backing MCP server reachable over the SSE
// transport.
type SSEServerConfig struct {
	BaseServerConfig
	Endpoint string
	// Headers is the browser request header view; the transport factory
	// forwards only the allow-listed subset.
	Headers    http.Header
	HTTPClient *http.Client
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// StreamableHTTPServerConfig describes a backing MCP server reachable over
// the streamable HTTP transport.
type StreamableHTTPServerConfig struct {
	BaseServerConfig
	Endpoint string
	// Headers is the browser request header view; the transport factory
	// forwards only the allow-listed subset.
	Headers      http.Header
	HTTPClient   *http.Client
	Reconnection *ReconnectionOptions
}

func (c *StreamableHTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// RawConnectionParams carries the unvalidated connection parameters a browser
// supplies when it asks the proxy to reach a backing server.
type RawConnectionParams struct {
	// TransportType selects the backing transport: "stdio", "sse", or
	// "streamable-http".
	TransportType string
	// Command is the executable to launch for stdio servers.
	Command string
	// Args is a single shell-style string; it is split into words honoring
	// quotes before use.
	Args string
	// Env is a JSON object of string-to-string pairs layered over the
	// parent environment for stdio servers.
	Env string
	// URL is the endpoint for sse and streamable-http servers.
	URL string
	// Header is the browser request header view, the source for
	// pass-through headers.
	Header http.Header
}

// Resolver turns raw connection parameters into a validated ServerConfig.
type Resolver struct {
	// Logger receives diagnostics for degraded inputs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Resolve validates raw and produces the matching ServerConfig variant.
// Unknown transport kinds, missing required fields, and malformed args all
// fail with ErrInvalidConfig. A malformed env JSON object degrades to an
// empty environment with a logged warning rather than failing.
func (r *Resolver) Resolve(raw RawConnectionParams) (ServerConfig, error) {
	switch raw.TransportType {
	case string(TransportStdio):
		return r.resolveStdio(raw)
	case string(TransportSSE):
		endpoint, err := r.resolveEndpoint(raw)
		if err != nil {
			return nil, err
		}
		return &SSEServerConfig{Endpoint: endpoint, Headers: cloneHeader(raw.Header)}, nil
	case string(TransportStreamable):
		endpoint, err := r.resolveEndpoint(raw)
		if err != nil {
			return nil, err
		}
		return &StreamableHTTPServerConfig{Endpoint: endpoint, Headers: cloneHeader(raw.Header)}, nil
	case "":
		return nil, fmt.Errorf("mcpproxy: %w: missing transport type", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("mcpproxy: %w: unsupported transport type %q", ErrInvalidConfig, raw.TransportType)
	}
}

func (r *Resolver) resolveStdio(raw RawConnectionParams) (*StdioServerConfig, error) {
	command := strings.TrimSpace(raw.Command)
	if command == "" {
		return nil, fmt.Errorf("mcpproxy: %w: stdio transport requires a command", ErrInvalidConfig)
	}
	args, err := shellwords.Parse(raw.Args)
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: %w: cannot split args %q: %v", ErrInvalidConfig, raw.Args, err)
	}
	return &StdioServerConfig{
		Command: command,
		Args:    args,
		Env:     r.resolveEnv(raw.Env),
	}, nil
}

func (r *Resolver) resolveEnv(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	env := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger().Warn("ignoring malformed env parameter", "env", raw, "error", err)
		return map[string]string{}
	}
	return env
}

func (r *Resolver) resolveEndpoint(raw RawConnectionParams) (string, error) {
	if raw.URL == "" {
		return "", fmt.Errorf("mcpproxy: %w: %s transport requires a url", ErrInvalidConfig, raw.TransportType)
	}
	parsed, err := url.Parse(raw.URL)
	if err != nil {
		return "", fmt.Errorf("mcpproxy: %w: cannot parse url %q: %v", ErrInvalidConfig, raw.URL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("mcpproxy: %w: url %q must be absolute http(s)", ErrInvalidConfig, raw.URL)
	}
	return raw.URL, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
