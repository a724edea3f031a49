package providers

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/pkg/models"
)

// chatRequest is the OpenAI-compatible request body shared by the GitHub,
// OpenRouter, and NIM adapters. Message and tool payloads reuse the
// go-openai wire types.
type chatRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Tools         []openai.Tool                  `json:"tools,omitempty"`
	Stream        bool                           `json:"stream"`
	StreamOptions *openai.StreamOptions          `json:"stream_options,omitempty"`
	Temperature   *float32                       `json:"temperature,omitempty"`
	TopP          *float32                       `json:"top_p,omitempty"`
	MaxTokens     *int                           `json:"max_tokens,omitempty"`
}

// buildOpenAIMessages converts canonical messages to the go-openai shape.
// Multipart content becomes MultiContent with text and image parts; audio
// parts are flattened to their text description since the chat-completions
// wire has no audio part type.
func buildOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role: string(msg.Role),
			Name: msg.Name,
		}
		if len(msg.Parts) > 0 {
			converted.MultiContent = buildMultiContent(msg.Parts)
		} else {
			converted.Content = msg.Content
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: argumentsString(tc.Arguments),
				},
			})
		}
		if msg.Role == models.RoleTool {
			converted.ToolCallID = msg.ToolCallID
		}
		out = append(out, converted)
	}
	return out
}

func buildMultiContent(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case models.PartText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.PartImageURL:
			if part.ImageURL != nil {
				out = append(out, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL},
				})
			}
		case models.PartAudio:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: "[audio attachment]",
			})
		}
	}
	return out
}

// argumentsString renders tool-call arguments as the JSON string the
// chat-completions wire expects, unwrapping the double-encoded form.
func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil && inner != "" {
			return inner
		}
	}
	return string(raw)
}

// emptyObjectSchema is the fallback for tools registered without parameters.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// buildOpenAITools converts tool definitions into go-openai tool payloads.
func buildOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		params := tool.Parameters
		if len(params) == 0 {
			params = emptyObjectSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
