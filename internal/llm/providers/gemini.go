package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// GeminiProvider speaks the Gemini native streaming wire through the Google
// Gen AI SDK. Messages become contents with user/model roles, system prompts
// ride in the system_instruction config slot, and function calls are
// synthesized into canonical tool-call deltas.
type GeminiProvider struct {
	base
	apiKey string
	client *genai.Client
}

var _ llm.Provider = (*GeminiProvider)(nil)

// NewGemini creates the Gemini adapter. The SDK client is only constructed
// when an API key is present; without one the adapter reports unavailable.
func NewGemini(cfg config.ProviderConfig, logger *slog.Logger) (*GeminiProvider, error) {
	p := &GeminiProvider{
		base:   newBase("gemini", cfg.Models, cfg.ToolUnsupported, cfg.MultimodalUnsupported, logger),
		apiKey: cfg.APIKey,
	}
	if cfg.APIKey != "" {
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: create client: %w", err)
		}
		p.client = client
	}
	return p, nil
}

func (p *GeminiProvider) Available() bool {
	return p.client != nil
}

// supportsSystemInstruction reports whether the model family accepts a
// separate system_instruction field. Gemma models do not; their system
// prompt is prepended to the first user message instead.
func supportsSystemInstruction(model string) bool {
	return !strings.Contains(strings.ToLower(model), "gemma")
}

func (p *GeminiProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *models.StreamChunk, error) {
	if !p.Available() {
		return nil, &llm.ProviderError{Reason: llm.ReasonUnavailable, Provider: p.name, Model: req.Model, Message: "provider not configured"}
	}

	messages := p.effectiveMessages(req)
	system, contents := p.convertMessages(messages, req.Model)
	cfg := p.buildConfig(req, system)

	out := make(chan *models.StreamChunk)
	go p.processStream(ctx, req.Model, contents, cfg, out)
	return out, nil
}

// buildConfig assembles the generation config: system instruction, sampling
// params, and tool declarations.
func (p *GeminiProvider) buildConfig(req *llm.Request, system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" && supportsSystemInstruction(req.Model) {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Params != nil {
		if req.Params.Temperature != nil {
			cfg.Temperature = req.Params.Temperature
		}
		if req.Params.TopP != nil {
			cfg.TopP = req.Params.TopP
		}
		if req.Params.MaxTokens != nil {
			cfg.MaxOutputTokens = int32(*req.Params.MaxTokens)
		}
	}
	if tools := p.effectiveTools(req); len(tools) > 0 {
		cfg.Tools = buildGeminiTools(tools)
	}
	return cfg
}

// processStream consumes the SDK iterator and synthesizes canonical chunks.
// The terminal chunk carries the finish reason (tool_calls when a function
// call was produced) and the last usage metadata seen.
func (p *GeminiProvider) processStream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, out chan<- *models.StreamChunk) {
	defer close(out)

	send := func(chunk *models.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sawToolCall := false
	toolCallIndex := 0
	var usage *models.Usage

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(&models.StreamChunk{Model: model, Err: llm.NewProviderError(p.name, model, err)})
			return
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = &models.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !send(&models.StreamChunk{
						Model:   model,
						Choices: []models.ChunkChoice{{Delta: models.Delta{Content: part.Text}}},
					}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					delta := models.Delta{ToolCalls: []models.ToolCallDelta{{
						Index: toolCallIndex,
						ID:    geminiToolCallID(part.FunctionCall.Name),
						Type:  "function",
						Function: models.FunctionDelta{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					}}}
					toolCallIndex++
					sawToolCall = true
					if !send(&models.StreamChunk{
						Model:   model,
						Choices: []models.ChunkChoice{{Delta: delta}},
					}) {
						return
					}
				}
			}
		}
	}

	reason := models.FinishStop
	if sawToolCall {
		reason = models.FinishToolCalls
	}
	send(&models.StreamChunk{
		Model:   model,
		Choices: []models.ChunkChoice{{FinishReason: &reason}},
		Usage:   usage,
	})
}

// convertMessages maps canonical messages to Gemini contents and extracts
// the system prompt. For gemma models the system prompt is folded into the
// first user message.
func (p *GeminiProvider) convertMessages(messages []models.Message, model string) (string, []*genai.Content) {
	var systemParts []string
	var result []*genai.Content
	prependSystem := !supportsSystemInstruction(model)

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if text := msg.TextContent(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// Tool results come from the user side.
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: response,
				},
			})
		} else if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					if part.Text != "" {
						content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
					}
				case models.PartImageURL:
					if part.ImageURL == nil {
						continue
					}
					if blob, err := dataURIToBlob(part.ImageURL.URL); err == nil {
						content.Parts = append(content.Parts, &genai.Part{InlineData: blob})
					}
				case models.PartAudio:
					if part.Audio == nil {
						continue
					}
					if blob, err := dataURIToBlob(part.Audio.URL); err == nil {
						content.Parts = append(content.Parts, &genai.Part{InlineData: blob})
					}
				}
			}
		} else if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			args, err := tc.ArgumentsMap()
			if err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if prependSystem && content.Role == genai.RoleUser && len(systemParts) > 0 && msg.Role == models.RoleUser {
			prefix := "[system instruction] " + strings.Join(systemParts, "\n") + "\n\n"
			if len(content.Parts) > 0 && content.Parts[0].Text != "" {
				content.Parts[0].Text = prefix + content.Parts[0].Text
			} else {
				content.Parts = append([]*genai.Part{{Text: prefix}}, content.Parts...)
			}
			prependSystem = false
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return strings.Join(systemParts, "\n"), result
}

// dataURIToBlob decodes a data: URI into an inline blob with its declared
// mime type.
func dataURIToBlob(url string) (*genai.Blob, error) {
	if !strings.HasPrefix(url, "data:") {
		return nil, fmt.Errorf("not a data URI")
	}
	split := strings.SplitN(url, ",", 2)
	if len(split) != 2 {
		return nil, fmt.Errorf("invalid data URI")
	}
	mimeType := strings.TrimPrefix(split[0], "data:")
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(split[1])
	if err != nil {
		return nil, fmt.Errorf("decode base64 data: %w", err)
	}
	return &genai.Blob{Data: data, MIMEType: mimeType}, nil
}

// buildGeminiTools converts tool definitions into a single Tool with one
// function declaration per definition.
func buildGeminiTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON-Schema map to the SDK schema type. Only the
// subset MCP and built-in tool schemas use is mapped.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// geminiToolCallID generates a call id; Gemini does not provide one.
func geminiToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
