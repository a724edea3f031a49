// Package providers contains the five provider adapters. Each adapter owns
// its wire protocol end to end: canonical messages in, canonical chunks out.
package providers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// base carries the state every adapter shares: the provider tag, the
// configured model lists, and the capability exceptions.
type base struct {
	name                  string
	models                []string
	toolUnsupported       map[string]bool
	multimodalUnsupported map[string]bool
	logger                *slog.Logger
}

func newBase(name string, models, toolUnsupported, multimodalUnsupported []string, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name:                  name,
		models:                models,
		toolUnsupported:       toSet(toolUnsupported),
		multimodalUnsupported: toSet(multimodalUnsupported),
		logger:                logger.With("component", "provider", "provider", name),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func (b *base) Name() string {
	return b.name
}

func (b *base) SupportedModels() []string {
	out := make([]string, len(b.models))
	copy(out, b.models)
	return out
}

func (b *base) SupportsTools(model string) bool {
	return !b.toolUnsupported[model]
}

// effectiveTools drops the tools argument for tool-unsupported models.
func (b *base) effectiveTools(req *llm.Request) []models.ToolDefinition {
	if !b.SupportsTools(req.Model) {
		return nil
	}
	return req.Tools
}

// effectiveMessages strips binary content parts for multimodal-unsupported
// models.
func (b *base) effectiveMessages(req *llm.Request) []models.Message {
	if !b.multimodalUnsupported[req.Model] {
		return req.Messages
	}
	out := make([]models.Message, len(req.Messages))
	for i, msg := range req.Messages {
		if msg.HasBinaryParts() {
			flat := msg
			flat.Content = msg.TextContent()
			flat.Parts = nil
			out[i] = flat
			continue
		}
		out[i] = msg
	}
	return out
}

// newHTTPClient is the shared client for streaming requests. No overall
// timeout: streams are long-lived and bounded by the request context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}
