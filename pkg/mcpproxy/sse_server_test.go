package mcpproxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEServerTransportCommitsStreamOnConnect(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	transport := NewSSEServerTransport("sess-sse-1", "/message?sessionId=sess-sse-1", rec)
	conn, err := transport.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, expected 200", rec.Code)
	}
	if !rec.Flushed {
		t.Fatalf("stream must be flushed at connect time")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if ab := rec.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Fatalf("X-Accel-Buffering = %q", ab)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: endpoint\ndata: /message?sessionId=sess-sse-1\n\n") {
		t.Fatalf("endpoint event missing or malformed:\n%s", body)
	}
	if conn.SessionID() != "sess-sse-1" {
		t.Fatalf("SessionID() = %q", conn.SessionID())
	}
}

func TestSSEServerTransportRequiresFlusher(t *testing.T) {
	t.Parallel()

	transport := NewSSEServerTransport("sess-sse-2", "/message", plainResponseWriter{})
	if _, err := transport.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure for a non-flushing writer")
	}
}

func TestSSEServerConnectionWriteFramesMessages(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	conn := connectSSE(t, rec, "sess-sse-3")

	msg := mustDecode(t, `{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`)
	if err := conn.Write(context.Background(), msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: message\ndata: {") {
		t.Fatalf("message frame missing:\n%s", body)
	}
	if !strings.Contains(body, `"id":3`) {
		t.Fatalf("payload not framed:\n%s", body)
	}
}

func TestSSEServerConnectionDeliverFeedsRead(t *testing.T) {
	t.Parallel()

	conn := connectSSE(t, httptest.NewRecorder(), "sess-sse-4")

	sent := mustDecode(t, `{"jsonrpc":"2.0","id":11,"method":"resources/list"}`)
	if err := conn.Deliver(context.Background(), sent); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	got, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if probe := probeMessage(got); probe.Method != "resources/list" || probe.idKey() != "11" {
		t.Fatalf("delivered message mangled: %#v", probe)
	}
}

func TestSSEServerConnectionCloseLifecycle(t *testing.T) {
	t.Parallel()

	conn := connectSSE(t, httptest.NewRecorder(), "sess-sse-5")

	fired := 0
	conn.OnClose(func() { fired++ })

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Fatalf("Done not signalled after Close")
	}
	if fired != 1 {
		t.Fatalf("close handler fired %d times", fired)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fired != 1 {
		t.Fatalf("close handler re-fired on idempotent Close")
	}

	// late registration runs immediately on a closed connection
	conn.OnClose(func() { fired++ })
	if fired != 2 {
		t.Fatalf("late close handler did not run, fired = %d", fired)
	}

	msg := mustDecode(t, `{"jsonrpc":"2.0","method":"ping"}`)
	if err := conn.Write(context.Background(), msg); !errors.Is(err, errConnectionClosed) {
		t.Fatalf("Write after Close = %v", err)
	}
	if err := conn.Deliver(context.Background(), msg); !errors.Is(err, errConnectionClosed) {
		t.Fatalf("Deliver after Close = %v", err)
	}
}

func connectSSE(t *testing.T, w http.ResponseWriter, sessionID string) *sseServerConnection {
	t.Helper()
	transport := NewSSEServerTransport(sessionID, "/message?sessionId="+sessionID, w)
	conn, err := transport.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*sseServerConnection)
}

// plainResponseWriter deliberately lacks http.Flusher.
type plainResponseWriter struct{}

func (plainResponseWriter) Header() http.Header         { return make(http.Header) }
func (plainResponseWriter) Write(p []byte) (int, error) { return len(p), nil }
func (plainResponseWriter) WriteHeader(int)             {}
