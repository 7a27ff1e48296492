package mcpproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// Pass-through policy: of everything the browser sent, only these reach the
// backing server.
var (
	ssePassthroughHeaders        = []string{"Authorization"}
	streamablePassthroughHeaders = []string{"Authorization", sessionIDHeaderName, "Last-Event-Id"}
)

// Factory builds and dials backing-server transports for resolved configs.
type Factory struct {
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// KillGrace is handed to stdio transports. Zero keeps their default.
	KillGrace time.Duration
}

// Dial establishes the backing connection for cfg. Spawn and connect
// failures wrap ErrConnectionFailed; a backing server answering 401 during
// establishment wraps ErrUnauthorized instead. Streamable HTTP dials retry
// under the config's reconnection policy; the other kinds fail fast.
func (f *Factory) Dial(ctx context.Context, cfg ServerConfig) (mcp.Connection, error) {
	if timeout := cfg.base().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return f.dialStdio(ctx, c)
	case *SSEServerConfig:
		return f.dialSSE(ctx, c)
	case *StreamableHTTPServerConfig:
		return f.dialStreamable(ctx, c)
	default:
		return nil, fmt.Errorf("mcpproxy: %w: unsupported config type %T", ErrInvalidConfig, cfg)
	}
}

func (f *Factory) dialStdio(ctx context.Context, cfg *StdioServerConfig) (mcp.Connection, error) {
	transport := &ProcessTransport{
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		KillGrace: f.KillGrace,
		Logger:    f.logger(),
	}
	conn, err := transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: %w: stdio command %q: %w", ErrConnectionFailed, cfg.Command, err)
	}
	return conn, nil
}

func (f *Factory) dialSSE(ctx context.Context, cfg *SSEServerConfig) (mcp.Connection, error) {
	client, probe := decorateHTTPClient(cfg.HTTPClient, filterHeaders(cfg.Headers, ssePassthroughHeaders))
	transport := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client}
	conn, err := transport.Connect(ctx)
	if err != nil {
		if probe.sawUnauthorized() {
			return nil, fmt.Errorf("mcpproxy: %w: sse endpoint %s", ErrUnauthorized, cfg.Endpoint)
		}
		return nil, fmt.Errorf("mcpproxy: %w: sse endpoint %s: %w", ErrConnectionFailed, cfg.Endpoint, err)
	}
	return conn, nil
}

func (f *Factory) dialStreamable(ctx context.Context, cfg *StreamableHTTPServerConfig) (mcp.Connection, error) {
	reconnect := cfg.Reconnection.withDefaults()
	client, probe := decorateHTTPClient(cfg.HTTPClient, filterHeaders(cfg.Headers, streamablePassthroughHeaders))
	transport := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: client,
		MaxRetries: reconnect.MaxRetries,
	}

	delay := reconnect.InitialDelay
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := transport.Connect(ctx)
		if err == nil {
			return conn, nil
		}
		if probe.sawUnauthorized() {
			return nil, fmt.Errorf("mcpproxy: %w: streamable endpoint %s", ErrUnauthorized, cfg.Endpoint)
		}
		lastErr = err
		if attempt >= reconnect.MaxRetries {
			break
		}
		f.logger().Warn("streamable dial failed, retrying",
			"endpoint", cfg.Endpoint, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mcpproxy: %w: streamable endpoint %s: %w", ErrConnectionFailed, cfg.Endpoint, ctx.Err())
		case <-time.After(delay):
		}
		delay = nextDelay(delay, reconnect)
	}
	return nil, fmt.Errorf("mcpproxy: %w: streamable endpoint %s: %w", ErrConnectionFailed, cfg.Endpoint, lastErr)
}

func nextDelay(current time.Duration, opts ReconnectionOptions) time.Duration {
	next := time.Duration(float64(current) * opts.GrowthFactor)
	if next > opts.MaxDelay {
		return opts.MaxDelay
	}
	return next
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// filterHeaders keeps only the allow-listed entries of a browser header view.
func filterHeaders(src http.Header, allowed []string) http.Header {
	if len(src) == 0 {
		return nil
	}
	dst := http.Header{}
	for _, name := range allowed {
		for _, v := range src.Values(name) {
			dst.Add(name, v)
		}
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// decorateHTTPClient wraps client so outgoing requests carry the pass-through
// headers and 401 answers from the backing server are remembered for
// classification.
func decorateHTTPClient(base *http.Client, headers http.Header) (*http.Client, *statusProbe) {
	if base == nil {
		base = http.DefaultClient
	}
	probe := &statusProbe{}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
		probe:   probe,
	}
	return &clone, probe
}

// headerDecorator forwards pass-through headers without clobbering values the
// SDK transport set itself (the negotiated backing session id in particular).
type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	probe   *statusProbe
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := d.next.RoundTrip(req)
	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		d.probe.record()
	}
	return resp, err
}

type statusProbe struct {
	unauthorized atomic.Bool
}

func (p *statusProbe) record() { p.unauthorized.Store(true) }

func (p *statusProbe) sawUnauthorized() bool { return p.unauthorized.Load() }

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
