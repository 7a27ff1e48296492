package mcpproxy

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestResolverStdioSplitsArgsLikeAShell(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	cfg, err := resolver.Resolve(RawConnectionParams{
		TransportType: "stdio",
		Command:       "  npx  ",
		Args:          `-y @modelcontextprotocol/server-filesystem "/tmp/my files" --verbose`,
		Env:           `{"API_KEY":"secret","MODE":"stdio"}`,
	})
	if err != nil {
		t.Fatalf("Resolve stdio: %v", err)
	}

	stdio, ok := AsStdio(cfg)
	if !ok {
		t.Fatalf("expected stdio config, got %T", cfg)
	}
	if stdio.Command != "npx" {
		t.Fatalf("command not trimmed: %q", stdio.Command)
	}
	expectedArgs := []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp/my files", "--verbose"}
	if !reflect.DeepEqual(stdio.Args, expectedArgs) {
		t.Fatalf("args = %v, expected %v", stdio.Args, expectedArgs)
	}
	if stdio.Env["API_KEY"] != "secret" || stdio.Env["MODE"] != "stdio" {
		t.Fatalf("env not parsed: %#v", stdio.Env)
	}
}

func TestResolverStdioRejectsUnbalancedQuotes(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	_, err := resolver.Resolve(RawConnectionParams{
		TransportType: "stdio",
		Command:       "npx",
		Args:          `--name "unterminated`,
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestResolverStdioRequiresCommand(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	_, err := resolver.Resolve(RawConnectionParams{TransportType: "stdio", Command: "   "})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for blank command, got %v", err)
	}
}

func TestResolverMalformedEnvDegradesToEmpty(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	cfg, err := resolver.Resolve(RawConnectionParams{
		TransportType: "stdio",
		Command:       "npx",
		Env:           `{"broken":`,
	})
	if err != nil {
		t.Fatalf("malformed env must not fail resolution: %v", err)
	}
	stdio, _ := AsStdio(cfg)
	if stdio.Env == nil || len(stdio.Env) != 0 {
		t.Fatalf("expected empty env map, got %#v", stdio.Env)
	}
}

func TestResolverEmptyEnvStaysNil(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	cfg, err := resolver.Resolve(RawConnectionParams{TransportType: "stdio", Command: "npx", Env: "  "})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	stdio, _ := AsStdio(cfg)
	if stdio.Env != nil {
		t.Fatalf("expected nil env, got %#v", stdio.Env)
	}
}

func TestResolverUnknownTransportType(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	for _, kind := range []string{"", "websocket", "grpc"} {
		_, err := resolver.Resolve(RawConnectionParams{TransportType: kind, URL: "http://localhost:3000"})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("transport %q: expected ErrInvalidConfig, got %v", kind, err)
		}
	}
}

func TestResolverEndpointValidation(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}

	for _, bad := range []string{"", "not a url", "ftp://example.com/mcp", "/relative/path", "http://"} {
		_, err := resolver.Resolve(RawConnectionParams{TransportType: "sse", URL: bad})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("url %q: expected ErrInvalidConfig, got %v", bad, err)
		}
	}

	cfg, err := resolver.Resolve(RawConnectionParams{
		TransportType: "streamable-http",
		URL:           "https://mcp.example.com/mcp",
	})
	if err != nil {
		t.Fatalf("Resolve streamable: %v", err)
	}
	streamable, ok := AsStreamable(cfg)
	if !ok {
		t.Fatalf("expected streamable config, got %T", cfg)
	}
	if streamable.Endpoint != "https://mcp.example.com/mcp" {
		t.Fatalf("endpoint mismatch: %s", streamable.Endpoint)
	}
}

func TestResolverCopiesHeaders(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{Logger: discardLogger()}
	src := map[string][]string{"Authorization": {"Bearer tok"}, "X-Custom": {"v"}}
	cfg, err := resolver.Resolve(RawConnectionParams{
		TransportType: "sse",
		URL:           "http://localhost:3000/sse",
		Header:        src,
	})
	if err != nil {
		t.Fatalf("Resolve sse: %v", err)
	}
	sse, _ := AsSSE(cfg)
	src["Authorization"][0] = "mutated"
	if got := sse.Headers.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("headers aliased the caller's map: %q", got)
	}
}

func TestReconnectionOptionsDefaults(t *testing.T) {
	t.Parallel()

	var nilOpts *ReconnectionOptions
	defaults := nilOpts.withDefaults()
	if defaults.InitialDelay != time.Second || defaults.GrowthFactor != 1.5 ||
		defaults.MaxDelay != 30*time.Second || defaults.MaxRetries != 2 {
		t.Fatalf("unexpected defaults: %#v", defaults)
	}

	partial := &ReconnectionOptions{InitialDelay: 50 * time.Millisecond, MaxRetries: 5}
	merged := partial.withDefaults()
	if merged.InitialDelay != 50*time.Millisecond || merged.MaxRetries != 5 {
		t.Fatalf("explicit values lost: %#v", merged)
	}
	if merged.GrowthFactor != 1.5 || merged.MaxDelay != 30*time.Second {
		t.Fatalf("defaults not filled in: %#v", merged)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
