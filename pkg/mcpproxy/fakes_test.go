package mcpproxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeConn is an in-memory mcp.Connection for relay tests. Reads come from
// the in channel, writes land on the out channel.
type fakeConn struct {
	id        string
	in        chan jsonrpc.Message
	out       chan jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once

	handlerMu sync.Mutex
	handlers  []func()
}

var (
	_ mcp.Connection = (*fakeConn)(nil)
	_ closeNotifier  = (*fakeConn)(nil)
)

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		in:     make(chan jsonrpc.Message, 32),
		out:    make(chan jsonrpc.Message, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SessionID() string { return c.id }

func (c *fakeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.handlerMu.Lock()
		handlers := append([]func(){}, c.handlers...)
		c.handlerMu.Unlock()
		for _, handler := range handlers {
			handler()
		}
	})
	return nil
}

func (c *fakeConn) OnClose(handler func()) {
	c.handlerMu.Lock()
	select {
	case <-c.closed:
		c.handlerMu.Unlock()
		handler()
		return
	default:
	}
	c.handlers = append(c.handlers, handler)
	c.handlerMu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// stderrConn mimics a process-backed connection by exposing a stderr stream.
type stderrConn struct {
	*fakeConn
	stderr chan string
}

func newStderrConn(id string) *stderrConn {
	return &stderrConn{fakeConn: newFakeConn(id), stderr: make(chan string, 8)}
}

func (c *stderrConn) Stderr() <-chan string { return c.stderr }

// echoConn reflects every write straight back to its own reader.
type echoConn struct {
	*fakeConn
}

func newEchoConn(id string) *echoConn { return &echoConn{newFakeConn(id)} }

func (c *echoConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.in <- msg:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// respondingConn answers every request with an empty success result, which is
// the minimum a backing server must do for a handshake to complete.
// Notifications and responses land on out like a plain fakeConn.
type respondingConn struct {
	*fakeConn
}

func newRespondingConn(id string) *respondingConn { return &respondingConn{newFakeConn(id)} }

func (c *respondingConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	probe := probeMessage(msg)
	if !probe.isRequest() {
		return c.fakeConn.Write(ctx, msg)
	}
	response, err := jsonrpc.DecodeMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, probe.ID)))
	if err != nil {
		return err
	}
	select {
	case c.in <- response:
		return nil
	case <-c.closed:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncResponseWriter is a streaming-safe stand-in for http.ResponseWriter:
// handlers write from their own goroutine while the test polls snapshot().
type syncResponseWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   bytes.Buffer
}

var _ http.Flusher = (*syncResponseWriter)(nil)

func newSyncResponseWriter() *syncResponseWriter {
	return &syncResponseWriter{header: make(http.Header)}
}

func (w *syncResponseWriter) Header() http.Header { return w.header }

func (w *syncResponseWriter) WriteHeader(code int) {
	w.mu.Lock()
	if w.status == 0 {
		w.status = code
	}
	w.mu.Unlock()
}

func (w *syncResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *syncResponseWriter) Flush() {}

func (w *syncResponseWriter) snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.body.String()
}

func (w *syncResponseWriter) statusCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func recvMessage(t *testing.T, ch <-chan jsonrpc.Message) jsonrpc.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}
