package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// stderrTailLines is how many trailing stderr lines are kept for the
// immediate-exit diagnostic.
const stderrTailLines = 20

// stdioTransport runs the server as a child process and frames JSON-RPC as
// one object per line on its stdin/stdout.
type stdioTransport struct {
	spec   ServerSpec
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[string]chan *rpcResponse
	pendingMu sync.Mutex

	stderrTail   []string
	stderrTailMu sync.Mutex

	connected atomic.Bool
	stopChan  chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(spec ServerSpec) *stdioTransport {
	return &stdioTransport{
		spec:     spec,
		logger:   slog.Default().With("component", "mcp", "server", spec.Name, "transport", "stdio"),
		pending:  make(map[string]chan *rpcResponse),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Connect spawns the child with the inherited-plus-overlaid environment and
// starts the reader loops. An immediate exit surfaces the stderr tail.
func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.spec.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	command := resolveCommand(t.spec.Command)
	t.process = exec.Command(command, t.spec.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.spec.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start %s: %w", command, err)
	}

	t.connected.Store(true)
	t.logger.Info("started MCP server process", "command", command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()
	if t.stderr != nil {
		t.wg.Add(1)
		go t.collectStderr()
	}
	go func() {
		t.process.Wait()
		close(t.exited)
		t.connected.Store(false)
	}()

	// Give a crashing server a moment to die so the spawn error carries
	// its stderr instead of a later broken-pipe error.
	select {
	case <-t.exited:
		return fmt.Errorf("%s exited immediately: %s", t.spec.Name, t.StderrTail())
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// Close terminates the child: graceful signal, short grace period, then
// kill. It does not depend on any live request loop.
func (t *stdioTransport) Close() error {
	if !t.connected.Swap(false) && t.process == nil {
		return nil
	}
	select {
	case <-t.stopChan:
	default:
		close(t.stopChan)
	}

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		terminateProcess(t.process)
		select {
		case <-t.exited:
		case <-time.After(3 * time.Second):
			t.process.Process.Kill()
			<-t.exited
		}
	}
	t.wg.Wait()
	return nil
}

func terminateProcess(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		cmd.Process.Kill()
		return
	}
	cmd.Process.Signal(os.Interrupt)
}

// Call sends one request and waits for its response, the per-server
// timeout, or cancellation. A write failure marks the transport broken.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("%s: %w", t.spec.Name, ErrTransportBroken)
	}

	id := uuid.NewString()
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.connected.Store(false)
		return nil, fmt.Errorf("%s: write request: %v: %w", t.spec.Name, err, ErrTransportBroken)
	}

	timeout := time.Duration(t.spec.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		// The response may still arrive and desync the pipe; drop the
		// session so the manager restarts it.
		t.connected.Store(false)
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &RPCError{Code: CodeTimeout, Message: fmt.Sprintf("request timeout after %v", timeout)}
	case <-t.exited:
		t.connected.Store(false)
		return nil, fmt.Errorf("%s: process exited: %w", t.spec.Name, ErrTransportBroken)
	case <-t.stopChan:
		return nil, fmt.Errorf("%s: transport closed: %w", t.spec.Name, ErrTransportBroken)
	}
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

// StderrTail returns the last captured stderr lines, newest last.
func (t *stdioTransport) StderrTail() string {
	t.stderrTailMu.Lock()
	defer t.stderrTailMu.Unlock()
	return strings.Join(t.stderrTail, "\n")
}

func (t *stdioTransport) readLoop() {
	defer t.wg.Done()

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
	t.connected.Store(false)
}

func (t *stdioTransport) processLine(line string) {
	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
		// Notifications and unparseable lines are ignored; this client
		// issues no subscriptions.
		return
	}

	id, ok := resp.ID.(string)
	if !ok {
		t.logger.Warn("unexpected response ID type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// collectStderr logs the child's stderr and keeps a tail for diagnostics.
func (t *stdioTransport) collectStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.logger.Debug("server stderr", "message", line)
		t.stderrTailMu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailLines:]
		}
		t.stderrTailMu.Unlock()
	}
}
