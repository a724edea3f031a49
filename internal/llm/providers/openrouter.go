package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider speaks the OpenRouter chat-completions wire. Framing is
// identical to GitHub; the differences are bearer auth, attribution headers,
// and the reasoning/refusal delta rewrites for reasoning models.
type OpenRouterProvider struct {
	base
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ llm.Provider = (*OpenRouterProvider)(nil)

// NewOpenRouter creates the OpenRouter adapter.
func NewOpenRouter(cfg config.ProviderConfig, logger *slog.Logger) *OpenRouterProvider {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = openRouterBaseURL
	}
	return &OpenRouterProvider{
		base:     newBase("openrouter", cfg.Models, cfg.ToolUnsupported, cfg.MultimodalUnsupported, logger),
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   newHTTPClient(),
	}
}

func (p *OpenRouterProvider) Available() bool {
	return p.apiKey != ""
}

// rewriteChunk promotes reasoning deltas into content so reasoning models
// stream their thinking as ordinary text, and prefixes refusals so the
// caller can tell them apart.
func rewriteChunk(chunk *models.StreamChunk) {
	for i := range chunk.Choices {
		delta := &chunk.Choices[i].Delta
		if delta.Content == "" && delta.Reasoning != "" {
			delta.Content = delta.Reasoning
		}
		delta.Reasoning = ""
		if delta.Refusal != "" {
			delta.Content = "[refusal] " + delta.Refusal
			delta.Refusal = ""
		}
	}
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *models.StreamChunk, error) {
	if !p.Available() {
		return nil, &llm.ProviderError{Reason: llm.ReasonUnavailable, Provider: p.name, Model: req.Model, Message: "provider not configured"}
	}

	body := chatRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(p.effectiveMessages(req)),
		Tools:    buildOpenAITools(p.effectiveTools(req)),
		Stream:   true,
	}
	if req.Params != nil {
		body.Temperature = req.Params.Temperature
		body.TopP = req.Params.TopP
		body.MaxTokens = req.Params.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/loomhq/loom")
	httpReq.Header.Set("X-Title", "Loom")

	resp, err := sendSSERequest(p.client, httpReq, p.name, req.Model)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk)
	go consumeSSE(ctx, resp.Body, out, p.name, req.Model, rewriteChunk, p.logger)
	return out, nil
}
