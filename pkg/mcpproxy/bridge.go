package mcpproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// stderrSource is implemented by process-backed connections; it is the one
// transport-kind distinction the bridge is allowed to make.
type stderrSource interface {
	Stderr() <-chan string
}

// Bridge relays messages verbatim between a browser-facing connection and a
// backing connection. Each direction is pumped by a single goroutine, so the
// arrival order within a direction is the delivery order. The bridge never
// parses, validates, or rewrites what it relays; the only branch on transport
// kind wraps child stderr chunks into synthetic notifications for the
// browser.
type Bridge struct {
	SessionID string
	Browser   mcp.Connection
	Backing   mcp.Connection
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// OnClose fires exactly once when the relay ends, whichever side went
	// away first.
	OnClose func()

	closeOnce sync.Once
}

// Start launches the relay goroutines and returns immediately.
func (b *Bridge) Start(ctx context.Context) {
	go b.pump(ctx, b.Browser, b.Backing, "browser->server")
	go b.pump(ctx, b.Backing, b.Browser, "server->browser")
	if src, ok := b.Backing.(stderrSource); ok {
		go b.pumpStderr(ctx, src)
	}
}

func (b *Bridge) pump(ctx context.Context, src, dst mcp.Connection, direction string) {
	for {
		msg, err := src.Read(ctx)
		if err != nil {
			if isShutdownError(err) {
				b.logger().Debug("relay direction ended", "session", b.SessionID, "direction", direction)
			} else {
				b.logger().Warn("relay read failed", "session", b.SessionID, "direction", direction, "error", err)
			}
			b.close()
			return
		}
		if err := dst.Write(ctx, msg); err != nil {
			if isShutdownError(err) {
				b.close()
				return
			}
			// The message is lost but the peer may still be healthy;
			// keep the direction alive.
			b.logger().Warn("relay write failed", "session", b.SessionID, "direction", direction, "error", err)
		}
	}
}

// pumpStderr forwards child diagnostic chunks as synthetic notifications.
// They interleave with the server-to-browser direction but never reorder it:
// the browser connection serializes writes.
func (b *Bridge) pumpStderr(ctx context.Context, src stderrSource) {
	for {
		select {
		case chunk, ok := <-src.Stderr():
			if !ok {
				return
			}
			msg, err := stderrNotification(chunk)
			if err != nil {
				b.logger().Warn("cannot wrap stderr chunk", "session", b.SessionID, "error", err)
				continue
			}
			if err := b.Browser.Write(ctx, msg); err != nil {
				if isShutdownError(err) {
					return
				}
				b.logger().Warn("cannot forward stderr chunk", "session", b.SessionID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// close shuts both sides down and fires OnClose, exactly once.
func (b *Bridge) close() {
	b.closeOnce.Do(func() {
		if b.Browser != nil {
			_ = b.Browser.Close()
		}
		if b.Backing != nil {
			_ = b.Backing.Close()
		}
		if b.OnClose != nil {
			b.OnClose()
		}
	})
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func isShutdownError(err error) bool {
	return errors.Is(err, errConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
