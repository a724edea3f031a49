package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// httpTransport speaks JSON-RPC over HTTP POST to a remote MCP server. Each
// Call is one request/response exchange.
type httpTransport struct {
	spec      ServerSpec
	logger    *slog.Logger
	client    *http.Client
	connected atomic.Bool
}

func newHTTPTransport(spec ServerSpec) *httpTransport {
	timeout := time.Duration(spec.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		spec:   spec,
		logger: slog.Default().With("component", "mcp", "server", spec.Name, "transport", "http_sse"),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	if t.spec.URL == "" {
		return fmt.Errorf("url is required for http_sse transport")
	}
	t.connected.Store(true)
	t.logger.Info("http transport ready", "url", t.spec.URL)
	return nil
}

func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("%s: %w", t.spec.Name, ErrTransportBroken)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && isTimeoutError(err) {
			return nil, &RPCError{Code: CodeTimeout, Message: err.Error()}
		}
		t.connected.Store(false)
		return nil, fmt.Errorf("%s: http request: %v: %w", t.spec.Name, err, ErrTransportBroken)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(msg))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func isTimeoutError(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = unwrapper.Unwrap()
	}
	return false
}
