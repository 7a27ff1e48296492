package mcpproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StreamableServerTransport is the browser-facing server side of the
// streamable HTTP transport. Unlike SSE there is no single long-lived
// response: request POSTs are answered with a JSON body, server-initiated
// traffic rides a standalone GET stream, and DELETE tears the session down.
//
// The session identifier does not exist before the protocol handshake: it is
// generated while answering the initialize request and announced through
// OnSessionInitialized, which is where the proxy registers the session.
type StreamableServerTransport struct {
	// SessionIDGenerator mints the session identifier during the
	// handshake.
	SessionIDGenerator func() string
	// OnSessionInitialized fires once the handshake response is ready,
	// before it is written to the browser.
	OnSessionInitialized func(sessionID string)
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

var _ mcp.Transport = (*StreamableServerTransport)(nil)

func (t *StreamableServerTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if t.SessionIDGenerator == nil {
		return nil, fmt.Errorf("mcpproxy: streamable server transport needs a session id generator")
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableServerConnection{
		gen:      t.SessionIDGenerator,
		onInit:   t.OnSessionInitialized,
		logger:   logger,
		incoming: make(chan jsonrpc.Message, 8),
		outgoing: make(chan jsonrpc.Message, 64),
		pending:  make(map[string]chan jsonrpc.Message),
		closed:   make(chan struct{}),
	}, nil
}

// StreamableServerConnection carries one browser session across many HTTP
// exchanges.
type StreamableServerConnection struct {
	gen    func() string
	onInit func(string)
	logger *slog.Logger

	sessionMu sync.RWMutex
	sessionID string

	// incoming feeds the browser-to-server relay direction.
	incoming chan jsonrpc.Message
	// outgoing buffers server-initiated traffic until a standalone GET
	// stream drains it.
	outgoing chan jsonrpc.Message

	pendingMu sync.Mutex
	pending   map[string]chan jsonrpc.Message

	streamMu     sync.Mutex
	streamActive bool

	closeOnce sync.Once
	closed    chan struct{}

	handlerMu     sync.Mutex
	closeHandlers []func()
}

var _ mcp.Connection = (*StreamableServerConnection)(nil)

func (c *StreamableServerConnection) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

func (c *StreamableServerConnection) setSessionID(id string) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *StreamableServerConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, errConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write routes one server-to-browser message: responses are handed to the
// POST exchange waiting on that id, everything else goes to the standalone
// stream buffer. Routing never blocks the relay; an overflowing buffer drops
// the message with a warning.
func (c *StreamableServerConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	probe := probeMessage(msg)
	if probe.isResponse() {
		c.pendingMu.Lock()
		waiter, ok := c.pending[probe.idKey()]
		if ok {
			delete(c.pending, probe.idKey())
		}
		c.pendingMu.Unlock()
		if ok {
			waiter <- msg
			return nil
		}
	}
	select {
	case c.outgoing <- msg:
	default:
		c.logger.Warn("dropping server message, no active stream and buffer full",
			"session", c.SessionID(), "method", probe.Method)
	}
	return nil
}

func (c *StreamableServerConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
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
func (c *StreamableServerConnection) OnClose(handler func()) {
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

// Done is closed when the session has fully shut down.
func (c *StreamableServerConnection) Done() <-chan struct{} { return c.closed }

// HandlePost processes one browser POST. Requests block until the relayed
// response comes back and answer with a JSON body; notifications and
// responses are accepted with 202. The initialize exchange additionally mints
// the session id, announces it via the completion callback, and returns it in
// the Mcp-Session-Id header.
func (c *StreamableServerConnection) HandlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
		return
	}
	probe := probeMessage(msg)
	switch {
	case probe.isRequest():
		c.handleRequestPost(w, r, msg, probe)
	case probe.isNotification(), probe.isResponse():
		if !c.deliver(r.Context(), w, msg) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "invalid JSON-RPC message", http.StatusBadRequest)
	}
}

func (c *StreamableServerConnection) handleRequestPost(w http.ResponseWriter, r *http.Request, msg jsonrpc.Message, probe wireProbe) {
	waiter := make(chan jsonrpc.Message, 1)
	c.pendingMu.Lock()
	if _, dup := c.pending[probe.idKey()]; dup {
		c.pendingMu.Unlock()
		http.Error(w, "duplicate request id", http.StatusBadRequest)
		return
	}
	c.pending[probe.idKey()] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, probe.idKey())
		c.pendingMu.Unlock()
	}()

	if !c.deliver(r.Context(), w, msg) {
		return
	}

	select {
	case resp := <-waiter:
		if probe.Method == "initialize" && c.SessionID() == "" {
			id := c.gen()
			c.setSessionID(id)
			if c.onInit != nil {
				c.onInit(id)
			}
			w.Header().Set(sessionIDHeaderName, id)
		}
		data, err := jsonrpc.EncodeMessage(resp)
		if err != nil {
			http.Error(w, "unencodable response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case <-c.closed:
		http.Error(w, "session closed", http.StatusInternalServerError)
	case <-r.Context().Done():
	}
}

func (c *StreamableServerConnection) deliver(ctx context.Context, w http.ResponseWriter, msg jsonrpc.Message) bool {
	select {
	case c.incoming <- msg:
		return true
	case <-c.closed:
		http.Error(w, "session closed", http.StatusInternalServerError)
		return false
	case <-ctx.Done():
		return false
	}
}

// HandleGet serves the standalone server-to-browser stream. A session holds
// at most one.
func (c *StreamableServerConnection) HandleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c.streamMu.Lock()
	if c.streamActive {
		c.streamMu.Unlock()
		http.Error(w, "session already has an active stream", http.StatusConflict)
		return
	}
	c.streamActive = true
	c.streamMu.Unlock()
	defer func() {
		c.streamMu.Lock()
		c.streamActive = false
		c.streamMu.Unlock()
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-c.outgoing:
			data, err := jsonrpc.EncodeMessage(msg)
			if err != nil {
				c.logger.Warn("dropping unencodable server message", "session", c.SessionID(), "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-c.closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleDelete closes the session at the browser's request.
func (c *StreamableServerConnection) HandleDelete(w http.ResponseWriter, _ *http.Request) {
	_ = c.Close()
	w.WriteHeader(http.StatusOK)
}
