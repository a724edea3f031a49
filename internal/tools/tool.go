// Package tools defines the built-in tool set exposed to models and the
// executor that routes tool calls to handlers or MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomhq/loom/pkg/models"
)

// Tool is one callable function exposed to the model.
type Tool interface {
	// Name returns the function name. Must be alphanumeric plus
	// underscores; providers reject anything else.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. The returned value is JSON-encoded into the
	// tool result content.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

type registryEntry struct {
	tool     Tool
	required []string
	compiled *jsonschema.Schema
}

// Registry holds the tools assembled for one request. Lookup is
// thread-safe; the registry itself is built once and handed out as a
// snapshot.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		logger:  slog.Default().With("component", "tools"),
	}
}

// Register adds a tool, replacing any previous tool of the same name. The
// schema is compiled at registration so execution validates cheaply; a
// schema that fails to compile disables validation for that tool only.
func (r *Registry) Register(tool Tool) {
	entry := registryEntry{tool: tool}
	schema := tool.Schema()
	if len(schema) > 0 {
		entry.required = requiredFields(schema)
		compiled, err := jsonschema.CompileString(tool.Name()+".json", string(schema))
		if err != nil {
			r.logger.Warn("tool schema failed to compile", "tool", tool.Name(), "error", err)
		} else {
			entry.compiled = compiled
		}
	}
	r.mu.Lock()
	r.entries[tool.Name()] = entry
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry.tool, ok
}

func (r *Registry) entry(name string) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Definitions returns the model-facing tool definitions in stable name
// order.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.entries))
	for _, entry := range r.entries {
		schema := entry.tool.Schema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, models.ToolDefinition{
			Name:        entry.tool.Name(),
			Description: entry.tool.Description(),
			Parameters:  schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// requiredFields pulls the top-level required array out of a schema.
func requiredFields(schema json.RawMessage) []string {
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	return parsed.Required
}

// Artifacts is the per-request side channel for binary outputs that must
// not travel through the message transcript. One instance per request.
type Artifacts struct {
	mu    sync.Mutex
	image string
}

// SetImage records a generated image data-URI for the request.
func (a *Artifacts) SetImage(dataURI string) {
	a.mu.Lock()
	a.image = dataURI
	a.mu.Unlock()
}

// Image returns the recorded data-URI, empty when nothing was generated.
func (a *Artifacts) Image() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.image
}
