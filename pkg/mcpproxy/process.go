package mcpproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// stdout frames can carry tool results with large embedded payloads.
const maxFrameSize = 10 * 1024 * 1024

const defaultKillGrace = 5 * time.Second

var errConnectionClosed = errors.New("mcpproxy: connection closed")

// ProcessTransport launches a backing MCP server as a child process and
// exchanges newline-delimited JSON-RPC frames over its stdio. The child's
// stderr never joins the framed stream; chunks are surfaced through the
// connection's Stderr channel instead.
type ProcessTransport struct {
	Command string
	Args    []string
	// Env entries are merged over the parent environment (override or add,
	// never unset).
	Env map[string]string
	// KillGrace bounds how long Close waits between SIGTERM and SIGKILL.
	// Defaults to 5s.
	KillGrace time.Duration
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

var _ mcp.Transport = (*ProcessTransport)(nil)

// Connect resolves the executable through PATH, spawns it, and starts the
// stdout, stderr, and reaper goroutines. Exactly one OS process is created
// per call.
func (t *ProcessTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return nil, fmt.Errorf("resolve executable %q: %w", t.Command, err)
	}
	cmd := exec.Command(path, t.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", t.Command, err)
	}

	conn := &processConnection{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderrIn:  stderr,
		incoming:  make(chan jsonrpc.Message, 8),
		stderr:    make(chan string, 256),
		closing:   make(chan struct{}),
		procDone:  make(chan struct{}),
		killGrace: t.killGrace(),
		logger:    t.logger(),
	}
	conn.pumps.Add(2)
	go conn.readStdout()
	go conn.readStderr()
	go conn.reap()
	return conn, nil
}

func (t *ProcessTransport) killGrace() time.Duration {
	if t.KillGrace > 0 {
		return t.KillGrace
	}
	return defaultKillGrace
}

func (t *ProcessTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// mergeEnv layers overlay entries over the parent environment, overriding or
// adding variables but never unsetting inherited ones. The result is sorted
// for deterministic spawns.
func mergeEnv(parent []string, overlay map[string]string) []string {
	merged := make(map[string]string, len(parent)+len(overlay))
	for _, kv := range parent {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

type processConnection struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderrIn io.ReadCloser

	incoming chan jsonrpc.Message
	stderr   chan string

	writeMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}

	pumps    sync.WaitGroup
	procDone chan struct{}
	exitErr  error

	readMu  sync.Mutex
	readErr error

	killGrace time.Duration
	logger    *slog.Logger
}

var _ mcp.Connection = (*processConnection)(nil)

// SessionID returns the empty string: stdio servers have no transport-level
// session identifier, the browser-facing side owns the session id.
func (c *processConnection) SessionID() string { return "" }

func (c *processConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, c.readError()
		}
		return msg, nil
	case <-c.closing:
		// Drain frames decoded before the close won the race.
		select {
		case msg, ok := <-c.incoming:
			if ok {
				return msg, nil
			}
		default:
		}
		return nil, errConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *processConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closing:
		return errConnectionClosed
	default:
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the child down: stdin is closed so well-behaved servers exit on
// their own, SIGTERM nudges the rest, and SIGKILL ends whatever survives the
// grace period. Close returns after the process has been reaped and is safe
// to call repeatedly.
func (c *processConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.stdin.Close()
		if proc := c.cmd.Process; proc != nil {
			if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				_ = proc.Kill()
			}
		}
		select {
		case <-c.procDone:
		case <-time.After(c.killGrace):
			if proc := c.cmd.Process; proc != nil {
				_ = proc.Kill()
			}
			<-c.procDone
		}
	})
	return nil
}

// Stderr exposes the child's diagnostic stream chunk by chunk. The channel
// closes when the stream ends.
func (c *processConnection) Stderr() <-chan string { return c.stderr }

// Done is closed once the child process has exited and been reaped.
func (c *processConnection) Done() <-chan struct{} { return c.procDone }

// Alive reports whether the child process is still running.
func (c *processConnection) Alive() bool {
	select {
	case <-c.procDone:
		return false
	default:
		return true
	}
}

func (c *processConnection) readStdout() {
	defer c.pumps.Done()
	defer close(c.incoming)
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(append([]byte(nil), line...))
		if err != nil {
			c.logger.Warn("dropping unparseable frame from child stdout", "error", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.closing:
			return
		}
	}
	c.setReadError(scanner.Err())
}

func (c *processConnection) readStderr() {
	defer c.pumps.Done()
	defer close(c.stderr)
	buf := make([]byte, 8*1024)
	for {
		n, err := c.stderrIn.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			select {
			case c.stderr <- chunk:
			default:
				c.logger.Warn("dropping stderr chunk, consumer too slow", "bytes", n)
			}
		}
		if err != nil {
			return
		}
	}
}

// reap waits for both pipe pumps to finish before calling Wait, then records
// the exit error.
func (c *processConnection) reap() {
	c.pumps.Wait()
	c.exitErr = c.cmd.Wait()
	if c.exitErr != nil {
		c.logger.Debug("child process exited", "command", c.cmd.Path, "error", c.exitErr)
	}
	close(c.procDone)
}

func (c *processConnection) setReadError(err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.readErr = err
}

func (c *processConnection) readError() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}
