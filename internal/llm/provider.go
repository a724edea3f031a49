// Package llm defines the provider capability interface and the stream
// dispatcher that routes requests to provider adapters by model name.
package llm

import (
	"context"

	"github.com/loomhq/loom/pkg/models"
)

// Params are the sampling knobs a caller may set. Nil fields mean
// provider defaults.
type Params struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// Request is a single completion request in canonical form.
type Request struct {
	Model    string
	Messages []models.Message
	Tools    []models.ToolDefinition
	Params   *Params
}

// Provider is the capability interface every adapter implements. Stream
// returns a channel of canonical chunks; the channel is closed when the
// stream ends. A mid-stream failure is delivered as a final chunk with Err
// set, then the channel closes.
type Provider interface {
	// Stream sends the request and returns the chunk channel. Errors
	// before the first byte are returned directly.
	Stream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error)

	// Name returns the provider tag used in the membership table.
	Name() string

	// SupportedModels returns the configured model list.
	SupportedModels() []string

	// Available reports whether the adapter has the credentials it needs.
	Available() bool

	// SupportsTools reports whether the model accepts a tools argument.
	// Adapters silently drop tools for models where this is false.
	SupportsTools(model string) bool
}

// Float32Ptr returns a pointer to v, for building Params literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v, for building Params literals.
func IntPtr(v int) *int { return &v }
