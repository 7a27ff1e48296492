package mcpproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SSEServerTransport is the browser-facing server side of the SSE transport.
// Connect commits the event stream on the response writer immediately: the
// status line, the SSE headers, and the endpoint event advertising where the
// browser must POST its messages all go out before any backing connection
// exists. Failures after that point have to travel in-band on the stream.
type SSEServerTransport struct {
	sessionID       string
	messageEndpoint string
	w               http.ResponseWriter
}

var _ mcp.Transport = (*SSEServerTransport)(nil)

// NewSSEServerTransport binds a transport to one long-lived GET response.
// The session id is fixed at construction; it is part of the advertised
// message endpoint.
func NewSSEServerTransport(sessionID, messageEndpoint string, w http.ResponseWriter) *SSEServerTransport {
	return &SSEServerTransport{sessionID: sessionID, messageEndpoint: messageEndpoint, w: w}
}

func (t *SSEServerTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	flusher, ok := t.w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("mcpproxy: response writer does not support streaming")
	}
	header := t.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(t.w, "event: endpoint\ndata: %s\n\n", t.messageEndpoint); err != nil {
		return nil, fmt.Errorf("mcpproxy: write endpoint event: %w", err)
	}
	flusher.Flush()
	return &sseServerConnection{
		sessionID: t.sessionID,
		w:         t.w,
		flusher:   flusher,
		incoming:  make(chan jsonrpc.Message, 8),
		closed:    make(chan struct{}),
	}, nil
}

type sseServerConnection struct {
	sessionID string
	w         http.ResponseWriter
	flusher   http.Flusher
	incoming  chan jsonrpc.Message

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	handlerMu     sync.Mutex
	closeHandlers []func()
}

var _ mcp.Connection = (*sseServerConnection)(nil)

func (c *sseServerConnection) SessionID() string { return c.sessionID }

func (c *sseServerConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, errConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseServerConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	if _, err := fmt.Fprintf(c.w, "event: message\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.flusher.Flush()
	return nil
}

// Deliver feeds one browser-posted message into the relay's browser-to-server
// direction. The caller's request context bounds the wait.
func (c *sseServerConnection) Deliver(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case c.incoming <- msg:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. The long-lived GET handler is unblocked via Done
// only after any in-flight Write finished, so nothing touches the response
// writer once the handler returns.
func (c *sseServerConnection) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		c.writeMu.Unlock()
		c.handlerMu.Lock()
		handlers := append([]func(){}, c.closeHandlers...)
		c.handlerMu.Unlock()
		for _, handler := range handlers {
			handler()
		}
	})
	return nil
}

// OnClose registers a handler fired exactly once when the connection closes.
// Registering on an already closed connection runs the handler immediately.
func (c *sseServerConnection) OnClose(handler func()) {
	if handler == nil {
		return
	}
	c.handlerMu.Lock()
	select {
	case <-c.closed:
		c.handlerMu.Unlock()
		handler()
		return
	default:
	}
	c.closeHandlers = append(c.closeHandlers, handler)
	c.handlerMu.Unlock()
}

// Done is closed when the connection has fully shut down.
func (c *sseServerConnection) Done() <-chan struct{} { return c.closed }
