package mcpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Manager owns the full lifecycle of proxied sessions: it resolves browser
// connection parameters, dials the backing server, pairs the two connections
// through a Bridge, and tracks the result in a Registry. Every method that
// takes an http.ResponseWriter writes the complete response itself.
type Manager struct {
	opts     Options
	resolver *Resolver
	factory  *Factory
	registry *Registry

	// dial is swapped out by tests to avoid spawning real backing servers.
	dial func(ctx context.Context, cfg ServerConfig) (mcp.Connection, error)

	slotMu   sync.Mutex
	reserved int
}

// NewManager builds a Manager. opts may be nil for defaults.
func NewManager(opts *Options) *Manager {
	options := opts.withDefaults()
	m := &Manager{
		opts:     options,
		resolver: &Resolver{Logger: options.Logger},
		factory:  &Factory{Logger: options.Logger, KillGrace: options.KillGrace},
		registry: NewRegistry(),
	}
	m.dial = m.factory.Dial
	return m
}

// SessionSummary describes one live session for listings.
type SessionSummary struct {
	ID        string          `json:"id"`
	Kind      ConfigTransport `json:"kind"`
	State     SessionState    `json:"state"`
	Target    string          `json:"target"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CreateSSEConnection establishes a proxied session whose browser side is an
// SSE stream over w. The stream is committed before the backing server is
// dialed, so dial failures are reported in-band as an error notification
// followed by stream close. The call blocks until the session ends or the
// request context is cancelled.
func (m *Manager) CreateSSEConnection(w http.ResponseWriter, r *http.Request, raw RawConnectionParams) {
	cfg, err := m.resolver.Resolve(raw)
	if err != nil {
		m.httpError(w, err)
		return
	}
	release, err := m.reserveSlot()
	if err != nil {
		m.httpError(w, err)
		return
	}
	defer release()

	sessionID := m.opts.SessionIDGenerator()
	endpoint := m.opts.MessagePath + "?sessionId=" + url.QueryEscape(sessionID)
	transport := NewSSEServerTransport(sessionID, endpoint, w)
	browser, err := transport.Connect(r.Context())
	if err != nil {
		// Nothing has been written yet when Connect fails.
		m.httpError(w, err)
		return
	}
	sse := browser.(*sseServerConnection)

	backing, err := m.dialBacking(r.Context(), cfg)
	if err != nil {
		m.opts.Logger.Warn("backing connection failed",
			"session", sessionID, "target", Target(cfg), "error", err)
		if note, nerr := errorNotification(err.Error()); nerr == nil {
			_ = sse.Write(r.Context(), note)
		}
		_ = sse.Close()
		return
	}

	entry := &SessionEntry{
		ID:        sessionID,
		Kind:      TransportOf(cfg),
		Config:    cfg,
		Browser:   browser,
		Backing:   backing,
		CreatedAt: time.Now(),
	}
	if err := m.registry.Register(entry); err != nil {
		_ = backing.Close()
		_ = sse.Close()
		m.opts.Logger.Error("session registration failed", "session", sessionID, "error", err)
		return
	}
	release()

	bridge := &Bridge{SessionID: sessionID, Browser: browser, Backing: backing, Logger: m.opts.Logger}
	bridge.Start(context.Background())
	entry.markActive()
	m.opts.Logger.Info("session established",
		"session", sessionID, "kind", entry.Kind, "target", Target(cfg))

	select {
	case <-sse.Done():
	case <-r.Context().Done():
		_ = sse.Close()
	}
}

// HandleSSEMessage accepts a browser-to-server message POSTed against an SSE
// session and injects it into the relay.
func (m *Manager) HandleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId parameter")
		return
	}
	entry, err := m.registry.Lookup(sessionID)
	if err != nil {
		m.httpError(w, err)
		return
	}
	sse, ok := entry.Browser.(*sseServerConnection)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "session does not accept posted messages")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	msg, err := jsonrpc.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON-RPC message")
		return
	}
	if err := sse.Deliver(r.Context(), msg); err != nil {
		if errors.Is(err, errConnectionClosed) {
			m.httpError(w, fmt.Errorf("mcpproxy: %w: %q", ErrSessionNotFound, sessionID))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "message delivery failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleStreamable serves the single streamable HTTP endpoint. Requests
// without a session header open a new session; requests carrying one are
// routed to it.
func (m *Manager) HandleStreamable(w http.ResponseWriter, r *http.Request, raw RawConnectionParams) {
	sessionID := r.Header.Get(sessionIDHeaderName)
	if sessionID == "" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusBadRequest, "missing "+sessionIDHeaderName+" header")
			return
		}
		m.createStreamableConnection(w, r, raw)
		return
	}

	entry, err := m.registry.Lookup(sessionID)
	if err != nil {
		m.httpError(w, err)
		return
	}
	conn, ok := entry.Browser.(*StreamableServerConnection)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "session does not speak streamable HTTP")
		return
	}
	switch r.Method {
	case http.MethodPost:
		conn.HandlePost(w, r)
	case http.MethodGet:
		conn.HandleGet(w, r)
	case http.MethodDelete:
		conn.HandleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// createStreamableConnection dials the backing server and drives the opening
// POST. The session is registered from the handshake completion callback;
// until then nothing references it, so failures before that point surface as
// plain HTTP errors. A POST that finishes without materializing a session id
// tears the pair down again.
func (m *Manager) createStreamableConnection(w http.ResponseWriter, r *http.Request, raw RawConnectionParams) {
	cfg, err := m.resolver.Resolve(raw)
	if err != nil {
		m.httpError(w, err)
		return
	}
	release, err := m.reserveSlot()
	if err != nil {
		m.httpError(w, err)
		return
	}
	defer release()

	backing, err := m.dialBacking(r.Context(), cfg)
	if err != nil {
		m.opts.Logger.Warn("backing connection failed", "target", Target(cfg), "error", err)
		m.httpError(w, err)
		return
	}

	var conn *StreamableServerConnection
	transport := &StreamableServerTransport{
		SessionIDGenerator: m.opts.SessionIDGenerator,
		Logger:             m.opts.Logger,
		OnSessionInitialized: func(sessionID string) {
			entry := &SessionEntry{
				ID:        sessionID,
				Kind:      TransportOf(cfg),
				Config:    cfg,
				Browser:   conn,
				Backing:   backing,
				CreatedAt: time.Now(),
			}
			if err := m.registry.Register(entry); err != nil {
				m.opts.Logger.Error("session registration failed", "session", sessionID, "error", err)
				return
			}
			entry.markActive()
			m.opts.Logger.Info("session established",
				"session", sessionID, "kind", entry.Kind, "target", Target(cfg))
		},
	}
	browser, err := transport.Connect(r.Context())
	if err != nil {
		_ = backing.Close()
		m.httpError(w, err)
		return
	}
	conn = browser.(*StreamableServerConnection)

	bridge := &Bridge{Browser: browser, Backing: backing, Logger: m.opts.Logger}
	bridge.Start(context.Background())

	conn.HandlePost(w, r)

	if conn.SessionID() == "" {
		// The opening POST did not complete a handshake; nothing was
		// registered, so drop both halves.
		_ = conn.Close()
		_ = backing.Close()
	}
}

// Lookup returns the live session entry for id.
func (m *Manager) Lookup(id string) (*SessionEntry, error) {
	return m.registry.Lookup(id)
}

// ListActive snapshots the live sessions, oldest first.
func (m *Manager) ListActive() []SessionSummary {
	entries := m.registry.Entries()
	summaries := make([]SessionSummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, SessionSummary{
			ID:        entry.ID,
			Kind:      entry.Kind,
			State:     entry.State(),
			Target:    Target(entry.Config),
			CreatedAt: entry.CreatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	return m.registry.Len()
}

// CloseAll tears down every live session, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) error {
	return m.registry.RemoveAll(ctx)
}

// dialBacking applies the manager-level dial timeout and reconnection policy
// unless the config carries its own, then dials through the factory (or the
// test seam).
func (m *Manager) dialBacking(ctx context.Context, cfg ServerConfig) (mcp.Connection, error) {
	if c, ok := AsStreamable(cfg); ok && c.Reconnection == nil {
		c.Reconnection = m.opts.Reconnection
	}
	cancel := func() {}
	if cfg.base().Timeout <= 0 {
		ctx, cancel = context.WithTimeout(ctx, m.opts.DialTimeout)
	}
	defer cancel()
	return m.dial(ctx, cfg)
}

// reserveSlot claims capacity for a session being established. The returned
// release func is idempotent; callers release as soon as the session is
// registered or abandoned.
func (m *Manager) reserveSlot() (func(), error) {
	if m.opts.MaxConnections <= 0 {
		return func() {}, nil
	}
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	active := m.registry.Len() + m.reserved
	if active >= m.opts.MaxConnections {
		return nil, fmt.Errorf("mcpproxy: %w: %d of %d sessions in use",
			ErrTooManyConnections, active, m.opts.MaxConnections)
	}
	m.reserved++
	var once sync.Once
	return func() {
		once.Do(func() {
			m.slotMu.Lock()
			m.reserved--
			m.slotMu.Unlock()
		})
	}, nil
}

// httpError maps the error taxonomy onto HTTP statuses and writes a JSON
// error body.
func (m *Manager) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrTooManyConnections):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrConnectionFailed):
		status = http.StatusBadGateway
	}
	writeJSONError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
