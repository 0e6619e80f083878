package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors for connection operations.
var (
	// ErrNotReady indicates an operation that is only valid in the Ready state.
	ErrNotReady = errors.New("connection is not ready")

	// ErrTimeout indicates a call exceeded its deadline. The pending
	// request is abandoned; its late response, if any, is discarded.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionFailed indicates the subprocess exited or the
	// handshake failed; in-flight calls resolve with this error.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionClosed indicates the connection was closed locally.
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultShutdownGrace    = 3 * time.Second

	// scanner buffer for server stdout lines
	maxLineSize = 4 << 20
)

// Connection manages one subprocess-backed tool server.
//
// Lifecycle: Disconnected → Connecting → Ready → Closed, with Failed
// reachable from Connecting or Ready. Connect and Close are mutually
// exclusive; CallTool may run concurrently with other CallTool
// invocations, correlated strictly by request id.
type Connection struct {
	config *ServerConfig
	logger *slog.Logger

	state atomic.Int32

	// lifecycleMu serializes Connect and Close.
	lifecycleMu sync.Mutex

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	// cached at handshake; stable for the connection's lifetime
	tools  []*Tool
	server serverInfo

	// closed when the read loop exits (stdout EOF or process death)
	done chan struct{}
	wg   sync.WaitGroup
}

// NewConnection creates a connection in the Disconnected state.
func NewConnection(cfg *ServerConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		config:  cfg,
		logger:  logger.With("tool_server", cfg.Name),
		pending: make(map[int64]chan *jsonrpcResponse),
		done:    make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// ServerName returns the configured server name.
func (c *Connection) ServerName() string {
	return c.config.Name
}

// Connect spawns the configured command, performs the initialization
// handshake, and caches the advertised tool list. It never retries;
// retry policy belongs to the caller.
func (c *Connection) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect %s: invalid state %s", c.config.Name, c.State())
	}

	cmd := exec.Command(c.config.Command, c.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.config.WorkDir != "" {
		cmd.Dir = c.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("spawn %s: %w: %v", c.config.Command, ErrConnectionFailed, err)
	}
	c.cmd = cmd
	c.logger.Info("started tool server process", "command", c.config.Command, "pid", cmd.Process.Pid)

	if stderr != nil {
		c.wg.Add(1)
		go c.logStderr(stderr)
	}

	if err := c.connectStreams(ctx, stdin, stdout); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	return nil
}

// connectStreams runs the post-spawn part of Connect over arbitrary
// streams. Split out so tests can drive the protocol over pipes.
func (c *Connection) connectStreams(ctx context.Context, stdin io.WriteCloser, stdout io.Reader) error {
	c.stdin = stdin

	c.wg.Add(1)
	go c.readLoop(stdout)

	handshakeTimeout := c.config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "warden",
			"version": "0.1.0",
		},
	}
	raw, err := c.call(ctx, "initialize", initParams, handshakeTimeout)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("initialize %s: %w", c.config.Name, err)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.server = init.ServerInfo

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	// Discover tools once; the list is cached for the connection's
	// lifetime so behavior stays deterministic.
	raw, err = c.call(ctx, "tools/list", nil, handshakeTimeout)
	if err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("list tools for %s: %w", c.config.Name, err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		c.state.Store(int32(StateFailed))
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.tools = list.Tools

	c.state.Store(int32(StateReady))
	c.logger.Info("connected to tool server",
		"name", c.server.Name,
		"version", c.server.Version,
		"tools", len(c.tools))
	return nil
}

// Tools returns the tool list cached at handshake time. Valid only in
// Ready; re-listing without reconnecting returns the identical set.
func (c *Connection) Tools() []*Tool {
	if c.State() != StateReady {
		return nil
	}
	return c.tools
}

// CallTool invokes a tool and waits up to timeout for its response.
// On timeout the connection stays Ready; only subprocess death fails it.
func (c *Connection) CallTool(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*ToolCallResult, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("call %s on %s: %w (state %s)", name, c.config.Name, ErrNotReady, c.State())
	}

	params := callToolParams{Name: name, Arguments: arguments}
	raw, err := c.call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}

	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &result, nil
}

// Close terminates the subprocess: protocol shutdown notice (stdin EOF
// on the stdio transport), then forced termination after the grace
// period. Idempotent.
func (c *Connection) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	prev := c.State()
	if prev == StateClosed || prev == StateDisconnected {
		c.state.Store(int32(StateClosed))
		return nil
	}
	c.state.Store(int32(StateClosed))

	if c.stdin != nil {
		_ = c.stdin.Close()
	}

	if c.cmd != nil && c.cmd.Process != nil {
		grace := c.config.ShutdownGrace
		if grace <= 0 {
			grace = defaultShutdownGrace
		}
		exited := make(chan struct{})
		go func() {
			_, _ = c.cmd.Process.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(grace):
			c.logger.Warn("tool server did not exit in time, killing", "grace", grace)
			_ = c.cmd.Process.Kill()
			<-exited
		}
	}

	c.wg.Wait()
	return nil
}

// call sends a request and waits for its matching response.
func (c *Connection) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *jsonrpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	// Abandoning the id on any exit discards a late response by id
	// mismatch in the read loop.
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s after %v: %w", method, timeout, ErrTimeout)
	case <-c.done:
		if c.State() == StateClosed {
			return nil, ErrConnectionClosed
		}
		return nil, ErrConnectionFailed
	}
}

// notify sends a notification; no response is expected.
func (c *Connection) notify(method string, params any) error {
	n := jsonrpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		n.Params = raw
	}
	return c.write(n)
}

func (c *Connection) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.stdin == nil {
		return ErrConnectionFailed
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// readLoop reads newline-delimited JSON-RPC messages from the server.
// It exits when the stream closes; if that happens outside Close, the
// connection transitions to Failed and in-flight calls are resolved as
// connection errors.
func (c *Connection) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout read error", "error", err)
	}

	// Stream closed. Outside a local Close this means the subprocess
	// exited underneath us. Closing done (deferred above) resolves every
	// in-flight call as a connection error.
	if c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateFailed)) {
		c.logger.Warn("tool server exited unexpectedly")
	}
}

// dispatch routes one message to its pending call. Responses with an
// unknown id (abandoned by timeout) are discarded.
func (c *Connection) dispatch(line []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		c.pendingMu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		} else {
			c.logger.Debug("discarding late response", "id", *resp.ID)
		}
		return
	}

	var notif jsonrpcNotification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		c.logger.Debug("server notification", "method", notif.Method)
		return
	}

	c.logger.Warn("unparseable message from tool server", "size", len(line))
}

func (c *Connection) logStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("server stderr", "message", line)
		}
	}
}
