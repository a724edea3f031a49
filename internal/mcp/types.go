// Package mcp implements the Model Context Protocol client side: subprocess
// lifecycle for stdio servers, JSON-RPC 2.0 framing, capability discovery
// with probe fallback, and namespaced tool/resource registries.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeTimeout is the local code for an RPC that exceeded the
	// per-server deadline.
	CodeTimeout = -32000
)

// probeMethods is the method set probed when a server does not implement
// system/methods.
var probeMethods = []string{
	"tools/list",
	"tools/call",
	"resources/list",
	"resources/read",
	"system/info",
	"prompts/list",
	"prompts/render",
}

// ServerSpec is one entry of the mcpServers registry file.
type ServerSpec struct {
	Name        string            `json:"-"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	Enabled     bool              `json:"enabled"`
	Timeout     int               `json:"timeout,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Transport names accepted in ServerSpec.Transport.
const (
	TransportStdio     = "stdio"
	TransportHTTPSSE   = "http_sse"
	TransportWebSocket = "websocket"
)

// Settings is the registry-file settings block.
type Settings struct {
	AutoInit       *bool `json:"auto_init,omitempty"`
	DefaultTimeout int   `json:"default_timeout,omitempty"`
	MaxConnections int   `json:"max_connections,omitempty"`
}

// File is the full mcp.json shape.
type File struct {
	MCPServers map[string]ServerSpec `json:"mcpServers"`
	Settings   Settings              `json:"settings"`
}

// rpcRequest is a JSON-RPC 2.0 request, one object per line on stdio.
// Request ids are uuids so they stay unique across reconnects.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It implements error so callers can
// inspect the code with errors.As.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err is a -32601 RPC error.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// ErrMethodUnsupported marks a call rejected locally by the cached
// supported-methods set, without a wire round-trip.
var ErrMethodUnsupported = errors.New("method not supported by server")

// ErrTransportBroken marks a session whose pipe failed; the session stays
// disconnected until a restart.
var ErrTransportBroken = errors.New("mcp transport broken")

// Tool is a server-announced tool, keyed globally as "<server>:<name>".
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is a server-announced resource, keyed as "<server>:<uri>".
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// toolContent is one element of a tools/call result content array.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// toolCallResult is the wire result of tools/call.
type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// listToolsResult is the wire result of tools/list.
type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// listResourcesResult is the wire result of resources/list.
type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// methodsResult is the wire result of system/methods.
type methodsResult struct {
	Methods []string `json:"methods"`
}
