package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// GitHubProvider speaks the GitHub / Azure Inference chat-completions wire:
// OpenAI-compatible SSE with an api-key header instead of a bearer token.
type GitHubProvider struct {
	base
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ llm.Provider = (*GitHubProvider)(nil)

// NewGitHub creates the GitHub Models adapter from its provider config.
func NewGitHub(cfg config.ProviderConfig, logger *slog.Logger) *GitHubProvider {
	return &GitHubProvider{
		base:     newBase("github", cfg.Models, cfg.ToolUnsupported, cfg.MultimodalUnsupported, logger),
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   newHTTPClient(),
	}
}

func (p *GitHubProvider) Available() bool {
	return p.apiKey != "" && p.endpoint != ""
}

// Stream sends the request and returns the canonical chunk channel. The
// provider chunks are already canonical, so SSE lines decode directly.
func (p *GitHubProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *models.StreamChunk, error) {
	if !p.Available() {
		return nil, &llm.ProviderError{Reason: llm.ReasonUnavailable, Provider: p.name, Model: req.Model, Message: "provider not configured"}
	}

	body := chatRequest{
		Model:         req.Model,
		Messages:      buildOpenAIMessages(p.effectiveMessages(req)),
		Tools:         buildOpenAITools(p.effectiveTools(req)),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
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
	httpReq.Header.Set("api-key", p.apiKey)

	resp, err := sendSSERequest(p.client, httpReq, p.name, req.Model)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk)
	go consumeSSE(ctx, resp.Body, out, p.name, req.Model, nil, p.logger)
	return out, nil
}
