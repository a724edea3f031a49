package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/pkg/models"
)

// MCPCaller dispatches a namespaced tool call to its MCP session.
type MCPCaller interface {
	CallTool(ctx context.Context, key string, args map[string]any) map[string]any
}

// Executor routes tool calls to registry handlers or MCP servers. It never
// propagates a failure: every call yields a result, possibly an error
// payload, so the agent loop continues.
type Executor struct {
	registry *Registry
	mcp      MCPCaller
	logger   *slog.Logger
}

// NewExecutor builds an executor. mcpCaller may be nil when MCP is
// disabled; namespaced calls then yield an error result.
func NewExecutor(registry *Registry, mcpCaller MCPCaller) *Executor {
	return &Executor{
		registry: registry,
		mcp:      mcpCaller,
		logger:   slog.Default().With("component", "tool_executor"),
	}
}

// ExecuteAll runs the calls in order and returns one result per call, same
// order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = e.Execute(ctx, call)
	}
	return results
}

// Execute runs one tool call and encodes its outcome as a result message
// payload.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	result := models.ToolResult{ToolCallID: call.ID, Name: call.Name}

	args, err := call.ArgumentsMap()
	if err != nil {
		result.Content = errorContent(fmt.Sprintf("invalid arguments: %v", err))
		return result
	}

	if mcp.IsWireName(call.Name) {
		result.Content = e.executeMCP(ctx, call.Name, args)
		return result
	}

	entry, ok := e.registry.entry(call.Name)
	if !ok {
		result.Content = errorContent("unknown tool: " + call.Name)
		return result
	}
	if msg := validateArgs(entry, args); msg != "" {
		result.Content = errorContent(msg)
		return result
	}

	out, err := e.run(ctx, entry.tool, args)
	if err != nil {
		e.logger.Warn("tool failed", "tool", call.Name, "error", err)
		result.Content = errorContent(err.Error())
		return result
	}
	result.Content = encodeContent(out)
	return result
}

func (e *Executor) executeMCP(ctx context.Context, wireName string, args map[string]any) string {
	key, ok := mcp.RestoreKey(wireName)
	if !ok {
		return errorContent("malformed MCP tool name: " + wireName)
	}
	if e.mcp == nil {
		return errorContent("MCP is not enabled")
	}
	return encodeContent(e.mcp.CallTool(ctx, key, args))
}

// run guards a handler so a panic becomes an error result.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", tool.Name(), "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, args)
}

// validateArgs reports the first missing required argument, then full
// schema violations. Empty string means valid.
func validateArgs(entry registryEntry, args map[string]any) string {
	for _, field := range entry.required {
		if _, ok := args[field]; !ok {
			return fmt.Sprintf("missing required argument: %s", field)
		}
	}
	if entry.compiled != nil {
		if err := entry.compiled.Validate(anyMap(args)); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err)
		}
	}
	return ""
}

func anyMap(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func errorContent(message string) string {
	return encodeContent(map[string]any{"error": message})
}

func encodeContent(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"unencodable tool result: %v"}`, err)
	}
	return string(data)
}
