package proxygateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpproxy"
)

// Gateway exposes the proxy's HTTP surface: the SSE and streamable session
// endpoints the browser connects to, plus health and configuration routes for
// browser UIs. All session semantics live in the manager; the gateway only
// routes requests to it.
type Gateway struct {
	manager *mcpproxy.Manager
	opts    Options

	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway around an existing session manager.
func NewGateway(manager *mcpproxy.Manager, opts *Options) (*Gateway, error) {
	if manager == nil {
		return nil, fmt.Errorf("proxygateway: manager is required")
	}
	g := &Gateway{manager: manager, opts: opts.withDefaults()}
	g.httpHandler = g.mountHandler()
	return g, nil
}

// Handler exposes the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops. Cancellation closes every live session before the
// listener is shut down so blocked stream handlers can return.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("proxygateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		if err := g.manager.CloseAll(shutdownCtx); err != nil {
			g.logError("close sessions", err)
		}
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running and tears down the
// live sessions.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := g.manager.CloseAll(ctx); err != nil {
		g.logError("close sessions", err)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) mountHandler() http.Handler {
	base := strings.TrimSuffix(g.opts.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	mux := http.NewServeMux()
	mux.HandleFunc(base+"/sse", g.handleSSE)
	mux.HandleFunc(base+"/message", g.handleMessage)
	mux.HandleFunc(base+"/mcp", g.handleStreamable)
	mux.HandleFunc(base+"/health", g.handleHealth)
	mux.HandleFunc(base+"/config", g.handleConfig)

	c := cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(mux)
}

func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.manager.CreateSSEConnection(w, r, rawParams(r))
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.manager.HandleSSEMessage(w, r)
}

func (g *Gateway) handleStreamable(w http.ResponseWriter, r *http.Request) {
	g.manager.HandleStreamable(w, r, rawParams(r))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, map[string]any{
		"status":         "ok",
		"activeSessions": g.manager.ActiveCount(),
	})
}

func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	env := g.opts.DefaultEnvironment
	if env == nil {
		env = map[string]string{}
	}
	g.writeJSON(w, map[string]any{
		"defaultEnvironment": env,
		"defaultCommand":     g.opts.DefaultCommand,
		"defaultArgs":        g.opts.DefaultArgs,
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logError("write response", err)
	}
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

// rawParams lifts the browser's connection parameters out of the request.
// The query carries the target server description; the headers ride along for
// the allow-list pass-through.
func rawParams(r *http.Request) mcpproxy.RawConnectionParams {
	q := r.URL.Query()
	return mcpproxy.RawConnectionParams{
		TransportType: q.Get("transportType"),
		Command:       q.Get("command"),
		Args:          q.Get("args"),
		Env:           q.Get("env"),
		URL:           q.Get("url"),
		Header:        r.Header.Clone(),
	}
}
