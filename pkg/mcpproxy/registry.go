package mcpproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// SessionState reflects where a session is in its lifecycle. Transitions only
// move forward: created, active, closing, closed.
type SessionState string

const (
	StateCreated SessionState = "created"
	StateActive  SessionState = "active"
	StateClosing SessionState = "closing"
	StateClosed  SessionState = "closed"
)

const (
	stateCreated int32 = iota
	stateActive
	stateClosing
	stateClosed
)

var stateNames = map[int32]SessionState{
	stateCreated: StateCreated,
	stateActive:  StateActive,
	stateClosing: StateClosing,
	stateClosed:  StateClosed,
}

// closeNotifier is implemented by browser-facing connections so the registry
// can react to the browser side going away.
type closeNotifier interface {
	OnClose(func())
}

// SessionEntry pairs the two connections of one live session.
type SessionEntry struct {
	ID        string
	Kind      ConfigTransport
	Config    ServerConfig
	Browser   mcp.Connection
	Backing   mcp.Connection
	CreatedAt time.Time

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// State returns the entry's current lifecycle state.
func (e *SessionEntry) State() SessionState {
	return stateNames[e.state.Load()]
}

// advance moves the state forward; lower-valued states never overwrite
// higher ones.
func (e *SessionEntry) advance(to int32) {
	for {
		current := e.state.Load()
		if current >= to {
			return
		}
		if e.state.CompareAndSwap(current, to) {
			return
		}
	}
}

func (e *SessionEntry) markActive() { e.advance(stateActive) }

// Close tears both connections down. It is idempotent; every caller observes
// the same result.
func (e *SessionEntry) Close() error {
	e.closeOnce.Do(func() {
		e.advance(stateClosing)
		var errs []error
		if e.Browser != nil {
			if err := e.Browser.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.Backing != nil {
			if err := e.Backing.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
		e.advance(stateClosed)
	})
	return e.closeErr
}

// Registry tracks live sessions by id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*SessionEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*SessionEntry)}
}

// Register inserts the entry and installs a close handler on the
// browser-facing connection: when the browser side closes, the backing
// connection is closed too and the session leaves the registry.
func (r *Registry) Register(entry *SessionEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("mcpproxy: cannot register session without an id")
	}
	r.mu.Lock()
	if _, exists := r.entries[entry.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("mcpproxy: session %q already registered", entry.ID)
	}
	r.entries[entry.ID] = entry
	r.mu.Unlock()

	if notifier, ok := entry.Browser.(closeNotifier); ok {
		notifier.OnClose(func() {
			_ = entry.Close()
			r.Remove(entry.ID)
		})
	}
	return nil
}

// Lookup returns the entry for id or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*SessionEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpproxy: %w: %q", ErrSessionNotFound, id)
	}
	return entry, nil
}

// Remove drops the entry without touching its connections.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries snapshots the live sessions.
func (r *Registry) Entries() []*SessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*SessionEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	return entries
}

// RemoveAll empties the registry and closes every session pair in parallel.
// The context bounds how long the teardown may take.
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*SessionEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.entries = make(map[string]*SessionEntry)
	r.mu.Unlock()

	var g errgroup.Group
	for _, entry := range entries {
		g.Go(entry.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
