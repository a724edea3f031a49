package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

const ollamaDefaultEndpoint = "http://localhost:11434"

// OllamaProvider speaks the Ollama native chat wire: JSON-Lines over POST
// /api/chat, one object per line, terminated by a line with done=true.
type OllamaProvider struct {
	base
	apiKey   string
	endpoint string
	client   *http.Client
}

var _ llm.Provider = (*OllamaProvider)(nil)

// NewOllama creates the Ollama adapter. The API key is optional; it covers
// daemons behind an authenticating proxy.
func NewOllama(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = ollamaDefaultEndpoint
	}
	return &OllamaProvider{
		base:     newBase("ollama", cfg.Models, cfg.ToolUnsupported, cfg.MultimodalUnsupported, logger),
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   newHTTPClient(),
	}
}

func (p *OllamaProvider) Available() bool {
	return p.endpoint != ""
}

// ollamaMessage is the native message shape. Images are base64 payloads
// without the data-URI prefix.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openai.Tool   `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatLine struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func buildOllamaMessages(messages []models.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		converted := ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.TextContent(),
		}
		for _, part := range msg.Parts {
			if part.Type == models.PartImageURL && part.ImageURL != nil {
				if b64, ok := stripDataURI(part.ImageURL.URL); ok {
					converted.Images = append(converted.Images, b64)
				}
			}
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, ollamaToolCall{
				Function: ollamaFunction{
					Name:      tc.Name,
					Arguments: json.RawMessage(argumentsString(tc.Arguments)),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

// stripDataURI returns the base64 payload of a data: URI.
func stripDataURI(url string) (string, bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", false
	}
	idx := strings.Index(url, ",")
	if idx < 0 {
		return "", false
	}
	return url[idx+1:], true
}

func (p *OllamaProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *models.StreamChunk, error) {
	if !p.Available() {
		return nil, &llm.ProviderError{Reason: llm.ReasonUnavailable, Provider: p.name, Model: req.Model, Message: "provider not configured"}
	}

	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: buildOllamaMessages(p.effectiveMessages(req)),
		Tools:    buildOpenAITools(p.effectiveTools(req)),
		Stream:   true,
	}
	if req.Params != nil {
		options := map[string]any{}
		if req.Params.Temperature != nil {
			options["temperature"] = *req.Params.Temperature
		}
		if req.Params.TopP != nil {
			options["top_p"] = *req.Params.TopP
		}
		if req.Params.MaxTokens != nil {
			options["num_predict"] = *req.Params.MaxTokens
		}
		if len(options) > 0 {
			body.Options = options
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError(p.name, req.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, llm.NewProviderError(p.name, req.Model, fmt.Errorf("request failed: %s", strings.TrimSpace(string(msg)))).
			WithStatus(resp.StatusCode)
	}

	out := make(chan *models.StreamChunk)
	go p.consumeLines(ctx, resp.Body, out, req.Model)
	return out, nil
}

// consumeLines reads JSON lines and synthesizes canonical chunks. The
// done=true line becomes the terminal chunk with finish reason and usage.
func (p *OllamaProvider) consumeLines(ctx context.Context, body io.ReadCloser, out chan<- *models.StreamChunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)
	sawToolCalls := false
	// Runs across lines so distinct calls fold into distinct entries.
	toolCallIndex := 0

	send := func(chunk *models.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line ollamaChatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			p.logger.Warn("skipping malformed chunk", "error", err)
			continue
		}

		delta := models.Delta{Content: line.Message.Content}
		for _, tc := range line.Message.ToolCalls {
			sawToolCalls = true
			delta.ToolCalls = append(delta.ToolCalls, models.ToolCallDelta{
				Index: toolCallIndex,
				ID:    "call_" + uuid.NewString(),
				Type:  "function",
				Function: models.FunctionDelta{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
			toolCallIndex++
		}

		chunk := &models.StreamChunk{
			Model:   model,
			Choices: []models.ChunkChoice{{Delta: delta}},
		}
		if line.Done {
			reason := models.FinishStop
			if sawToolCalls {
				reason = models.FinishToolCalls
			}
			chunk.Choices[0].FinishReason = &reason
			chunk.Usage = &models.Usage{
				PromptTokens:     line.PromptEvalCount,
				CompletionTokens: line.EvalCount,
				TotalTokens:      line.PromptEvalCount + line.EvalCount,
			}
			send(chunk)
			return
		}
		if !send(chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errChunk := &models.StreamChunk{
			Model: model,
			Err:   llm.NewProviderError(p.name, model, fmt.Errorf("stream read: %w", err)),
		}
		select {
		case out <- errChunk:
		case <-ctx.Done():
		}
	}
}
