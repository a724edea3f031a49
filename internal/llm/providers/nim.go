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

const nimBaseURL = "https://integrate.api.nvidia.com/v1"

// NIM default sampling, applied when the request leaves a knob unset.
const (
	nimDefaultTemperature = float32(0.2)
	nimDefaultTopP        = float32(0.7)
	nimDefaultMaxTokens   = 8192
)

// NIMProvider speaks the NVIDIA NIM chat-completions wire, OpenAI-compatible
// SSE with bearer auth and opinionated sampling defaults.
type NIMProvider struct {
	base
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ llm.Provider = (*NIMProvider)(nil)

// NewNIM creates the NVIDIA NIM adapter.
func NewNIM(cfg config.ProviderConfig, logger *slog.Logger) *NIMProvider {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = nimBaseURL
	}
	return &NIMProvider{
		base:     newBase("nim", cfg.Models, cfg.ToolUnsupported, cfg.MultimodalUnsupported, logger),
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   newHTTPClient(),
	}
}

func (p *NIMProvider) Available() bool {
	return p.apiKey != ""
}

func (p *NIMProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *models.StreamChunk, error) {
	if !p.Available() {
		return nil, &llm.ProviderError{Reason: llm.ReasonUnavailable, Provider: p.name, Model: req.Model, Message: "provider not configured"}
	}

	temperature := nimDefaultTemperature
	topP := nimDefaultTopP
	maxTokens := nimDefaultMaxTokens
	if req.Params != nil {
		if req.Params.Temperature != nil {
			temperature = *req.Params.Temperature
		}
		if req.Params.TopP != nil {
			topP = *req.Params.TopP
		}
		if req.Params.MaxTokens != nil {
			maxTokens = *req.Params.MaxTokens
		}
	}

	body := chatRequest{
		Model:       req.Model,
		Messages:    buildOpenAIMessages(p.effectiveMessages(req)),
		Tools:       buildOpenAITools(p.effectiveTools(req)),
		Stream:      true,
		Temperature: &temperature,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
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

	resp, err := sendSSERequest(p.client, httpReq, p.name, req.Model)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamChunk)
	go consumeSSE(ctx, resp.Body, out, p.name, req.Model, nil, p.logger)
	return out, nil
}
