package models

// Finish reasons carried by the terminal chunk of a stream.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// Usage is the token accounting reported by a provider, OpenAI field names.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FunctionDelta is the incremental function payload inside a tool-call
// delta. Arguments fragments are concatenated by the aggregator.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCallDelta is one fragment of a streamed tool call. Index positions the
// fragment so the aggregator can merge fragments of the same call.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// Delta is the incremental message payload of one chunk choice. Reasoning
// and Refusal appear on some OpenRouter models; the OpenRouter adapter
// rewrites them into Content before the chunk leaves the adapter.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Refusal   string          `json:"refusal,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ChunkChoice is one choice slot of a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// StreamChunk is the canonical incremental delta, the OpenAI SSE chunk shape
// verbatim. OpenAI-compatible providers decode their wire lines directly
// into this type; the Gemini and Ollama adapters synthesize it.
//
// Invariants: all chunks of one stream share Model; at most one chunk per
// choice carries a FinishReason.
type StreamChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	// Err carries a mid-stream transport failure to the consumer. A chunk
	// with Err set is always the last chunk on the channel.
	Err error `json:"-"`
}

// FinishReason returns the finish reason of the first choice, or "" while
// the stream is still open.
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}
	return *c.Choices[0].FinishReason
}

// ResponseChoice is one choice of a folded, non-streaming response.
type ResponseChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the folded form produced by collecting a chunk stream.
type ChatResponse struct {
	ID      string           `json:"id,omitempty"`
	Object  string           `json:"object,omitempty"`
	Created int64            `json:"created,omitempty"`
	Model   string           `json:"model,omitempty"`
	Choices []ResponseChoice `json:"choices"`
	Usage   *Usage           `json:"usage,omitempty"`
	// Error holds the stream failure when the fold ended early; Choices
	// still carries whatever content arrived before the failure.
	Error string `json:"error,omitempty"`
}

// Text returns the content of the first choice.
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ToolCalls returns the tool calls of the first choice.
func (r *ChatResponse) ToolCalls() []ToolCall {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// FinishReason returns the finish reason of the first choice.
func (r *ChatResponse) FinishReason() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}
