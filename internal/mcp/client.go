package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Client is one MCP session: a transport plus the discovered capabilities
// and the cached tool/resource registries.
//
// RPCs on a single session are serialized: a stdio child answers in order,
// and one-in-flight is the simplest behavior that stays correct.
type Client struct {
	spec      ServerSpec
	transport Transport
	logger    *slog.Logger
	createdAt time.Time

	callMu sync.Mutex

	mu         sync.RWMutex
	supported  map[string]bool
	discovered bool
	tools      map[string]Tool
	resources  map[string]Resource
}

// NewClient builds a session for the spec; Connect establishes it.
func NewClient(spec ServerSpec) *Client {
	return newClientWithTransport(spec, NewTransport(spec))
}

func newClientWithTransport(spec ServerSpec, transport Transport) *Client {
	return &Client{
		spec:      spec,
		transport: transport,
		logger:    slog.Default().With("component", "mcp", "server", spec.Name),
		createdAt: time.Now(),
		supported: make(map[string]bool),
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
	}
}

// Name returns the server name from the spec.
func (c *Client) Name() string {
	return c.spec.Name
}

// Connected reports whether the transport is live.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Connect starts the transport, discovers the supported-method set, and
// populates the tool and resource registries.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.spec.Name, err)
	}
	if err := c.discoverMethods(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("discover %s: %w", c.spec.Name, err)
	}
	c.refreshTools(ctx)
	c.refreshResources(ctx)
	return nil
}

// Close shuts the transport down and clears the registries.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.mu.Lock()
	c.tools = make(map[string]Tool)
	c.resources = make(map[string]Resource)
	c.mu.Unlock()
	return err
}

// call is the serialized RPC entry point.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	return c.transport.Call(ctx, method, params)
}

// discoverMethods asks the server which methods it accepts. Servers that do
// not implement system/methods are probed: each known method is sent once
// and marked supported unless it answers -32601.
func (c *Client) discoverMethods(ctx context.Context) error {
	result, err := c.call(ctx, "system/methods", nil)
	if err == nil {
		var methods methodsResult
		if jsonErr := json.Unmarshal(result, &methods); jsonErr == nil && len(methods.Methods) > 0 {
			c.mu.Lock()
			for _, method := range methods.Methods {
				c.supported[method] = true
			}
			c.supported["system/methods"] = true
			c.discovered = true
			c.mu.Unlock()
			c.logger.Debug("capability discovery via system/methods", "methods", len(methods.Methods))
			return nil
		}
		err = fmt.Errorf("malformed system/methods result")
	}
	if !IsMethodNotFound(err) {
		if errors.Is(err, ErrTransportBroken) {
			return err
		}
		c.logger.Warn("system/methods failed, falling back to probing", "error", err)
	}

	// Probe fallback.
	for _, method := range probeMethods {
		_, probeErr := c.call(ctx, method, probeParams(method))
		if errors.Is(probeErr, ErrTransportBroken) {
			return probeErr
		}
		supported := !IsMethodNotFound(probeErr)
		c.mu.Lock()
		c.supported[method] = supported
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.discovered = true
	c.mu.Unlock()
	c.logger.Debug("capability discovery via probing", "supported", c.SupportedMethods())
	return nil
}

// probeParams returns harmless params for a discovery probe.
func probeParams(method string) any {
	switch method {
	case "tools/call":
		return map[string]any{"name": "__probe__", "arguments": map[string]any{}}
	case "resources/read":
		return map[string]any{"uri": "probe://none"}
	case "prompts/render":
		return map[string]any{"name": "__probe__"}
	default:
		return nil
	}
}

// Supports reports whether the session's cached set allows the method.
func (c *Client) Supports(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.discovered {
		return true
	}
	return c.supported[method]
}

// SupportedMethods returns the cached method set.
func (c *Client) SupportedMethods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var methods []string
	for method, ok := range c.supported {
		if ok {
			methods = append(methods, method)
		}
	}
	return methods
}

// ensure rejects unsupported methods locally, without a wire call.
func (c *Client) ensure(method string) error {
	if !c.Supports(method) {
		return fmt.Errorf("%s: %s: %w", c.spec.Name, method, ErrMethodUnsupported)
	}
	return nil
}

// markUnsupported records a retroactive -32601 for the method.
func (c *Client) markUnsupported(method string) {
	c.mu.Lock()
	c.supported[method] = false
	c.discovered = true
	c.mu.Unlock()
}

// refreshTools repopulates the tool registry from tools/list, or from the
// built-in sample set when the server cannot enumerate.
func (c *Client) refreshTools(ctx context.Context) {
	tools := c.listTools(ctx)
	c.mu.Lock()
	c.tools = make(map[string]Tool, len(tools))
	for _, tool := range tools {
		c.tools[tool.Name] = tool
	}
	c.mu.Unlock()
}

func (c *Client) listTools(ctx context.Context) []Tool {
	if err := c.ensure("tools/list"); err != nil {
		return sampleTools(c.spec.Name)
	}
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		if IsMethodNotFound(err) {
			c.markUnsupported("tools/list")
		} else {
			c.logger.Warn("tools/list failed", "error", err)
		}
		return sampleTools(c.spec.Name)
	}
	var parsed listToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		c.logger.Warn("malformed tools/list result", "error", err)
		return sampleTools(c.spec.Name)
	}
	return parsed.Tools
}

func (c *Client) refreshResources(ctx context.Context) {
	if err := c.ensure("resources/list"); err != nil {
		return
	}
	result, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		if IsMethodNotFound(err) {
			c.markUnsupported("resources/list")
		}
		return
	}
	var parsed listResourcesResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return
	}
	c.mu.Lock()
	c.resources = make(map[string]Resource, len(parsed.Resources))
	for _, resource := range parsed.Resources {
		c.resources[resource.URI] = resource
	}
	c.mu.Unlock()
}

// Tools returns a snapshot of the tool registry.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		out = append(out, tool)
	}
	return out
}

// Resources returns a snapshot of the resource registry.
func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, 0, len(c.resources))
	for _, resource := range c.resources {
		out = append(out, resource)
	}
	return out
}

// HasTool reports whether the registry knows the tool.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// CallTool invokes one tool and maps the outcome to the result contract:
// {success:true, result} on success, {success:false, error, error_code} on
// RPC error (unsupported:true when the server retroactively reveals
// non-support), {success:false, tool_error:true, error} when the server
// flags the result as a tool-level error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) map[string]any {
	if !c.HasTool(name) {
		// Registry may be stale; refresh once before giving up.
		c.refreshTools(ctx)
		if !c.HasTool(name) {
			return map[string]any{"success": false, "error": fmt.Sprintf("unknown tool: %s:%s", c.spec.Name, name)}
		}
	}
	if err := c.ensure("tools/call"); err != nil {
		return map[string]any{"success": false, "error": err.Error(), "unsupported": true}
	}

	params := map[string]any{"name": name, "arguments": args}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			out := map[string]any{
				"success":    false,
				"error":      rpcErr.Message,
				"error_code": rpcErr.Code,
			}
			if rpcErr.Code == CodeMethodNotFound {
				c.markUnsupported("tools/call")
				out["unsupported"] = true
			}
			return out
		}
		return map[string]any{"success": false, "error": err.Error()}
	}

	var parsed toolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("malformed tool result: %v", err)}
	}
	if parsed.IsError {
		return map[string]any{
			"success":    false,
			"tool_error": true,
			"error":      contentText(parsed.Content),
		}
	}
	return map[string]any{"success": true, "result": contentText(parsed.Content)}
}

// ReadResource fetches one resource, gated on resources/read.
func (c *Client) ReadResource(ctx context.Context, uri string) map[string]any {
	if err := c.ensure("resources/read"); err != nil {
		return map[string]any{"success": false, "error": err.Error(), "unsupported": true}
	}
	result, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			out := map[string]any{"success": false, "error": rpcErr.Message, "error_code": rpcErr.Code}
			if rpcErr.Code == CodeMethodNotFound {
				c.markUnsupported("resources/read")
				out["unsupported"] = true
			}
			return out
		}
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "result": json.RawMessage(result)}
}

// Info calls system/info, gated on the supported set.
func (c *Client) Info(ctx context.Context) map[string]any {
	if err := c.ensure("system/info"); err != nil {
		return map[string]any{"success": false, "error": err.Error(), "unsupported": true}
	}
	result, err := c.call(ctx, "system/info", nil)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			out := map[string]any{"success": false, "error": rpcErr.Message, "error_code": rpcErr.Code}
			if rpcErr.Code == CodeMethodNotFound {
				c.markUnsupported("system/info")
				out["unsupported"] = true
			}
			return out
		}
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "result": json.RawMessage(result)}
}

func contentText(content []toolContent) string {
	var texts []string
	for _, item := range content {
		if item.Type == "text" && item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// sampleTools is the fallback registry for known server types whose
// tools/list is unavailable.
func sampleTools(server string) []Tool {
	pathSchema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	switch {
	case strings.Contains(server, "filesystem"):
		return []Tool{
			{Name: "read_file", Description: "Read a file from the filesystem", InputSchema: pathSchema},
			{Name: "write_file", Description: "Write a file to the filesystem", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)},
			{Name: "list_directory", Description: "List directory entries", InputSchema: pathSchema},
		}
	case strings.Contains(server, "github"):
		return []Tool{
			{Name: "search_repositories", Description: "Search GitHub repositories", InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)},
			{Name: "get_file_contents", Description: "Fetch a file from a repository", InputSchema: json.RawMessage(`{"type":"object","properties":{"owner":{"type":"string"},"repo":{"type":"string"},"path":{"type":"string"}},"required":["owner","repo","path"]}`)},
		}
	default:
		return nil
	}
}
