package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsTransport speaks JSON-RPC over a websocket connection, one JSON object
// per text message. A reader goroutine matches responses to pending calls
// by id, mirroring the stdio transport.
type wsTransport struct {
	spec   ServerSpec
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[string]chan *rpcResponse
	pendingMu sync.Mutex

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newWSTransport(spec ServerSpec) *wsTransport {
	return &wsTransport{
		spec:     spec,
		logger:   slog.Default().With("component", "mcp", "server", spec.Name, "transport", "websocket"),
		pending:  make(map[string]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	if t.spec.URL == "" {
		return fmt.Errorf("url is required for websocket transport")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.spec.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.spec.URL, err)
	}
	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("websocket transport connected", "url", t.spec.URL)

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

func (t *wsTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *wsTransport) Connected() bool {
	return t.connected.Load()
}

func (t *wsTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

	t.writeMu.Lock()
	err := t.conn.WriteJSON(&req)
	t.writeMu.Unlock()
	if err != nil {
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
		// The response may still arrive for a caller that is gone; drop
		// the session so the manager restarts it.
		t.connected.Store(false)
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, &RPCError{Code: CodeTimeout, Message: fmt.Sprintf("request timeout after %v", timeout)}
	case <-t.stopChan:
		return nil, fmt.Errorf("%s: transport closed: %w", t.spec.Name, ErrTransportBroken)
	}
}

func (t *wsTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		var resp rpcResponse
		if err := t.conn.ReadJSON(&resp); err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Error("websocket read error", "error", err)
			}
			return
		}
		if resp.ID == nil {
			continue
		}
		id, ok := resp.ID.(string)
		if !ok {
			continue
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
}
