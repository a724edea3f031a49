// Package models defines the canonical shapes shared by the agent executor,
// the provider adapters, and the HTTP surface: messages, tool definitions,
// streaming chunks, and agent request/result types.
//
// Every provider adapter translates to and from these types; nothing
// provider-specific leaks out of internal/llm.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartAudio    = "audio"
)

// ImageRef points at image content, either a data: URI or an http(s) URL.
type ImageRef struct {
	URL string `json:"url"`
}

// AudioRef points at audio content as a data: URI.
type AudioRef struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multipart message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
	Audio    *AudioRef `json:"audio,omitempty"`
}

// Message is the canonical conversation entry. Content is either plain text
// or an ordered list of parts; when Parts is non-empty it wins over Content
// during serialization.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"-"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// messageWire mirrors Message with a polymorphic content field.
type messageWire struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MarshalJSON encodes Content as a string or, when Parts is set, as an array
// of content parts.
func (m Message) MarshalJSON() ([]byte, error) {
	wire := messageWire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return nil, err
		}
		wire.Content = parts
	} else if m.Content != "" || m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
		text, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		wire.Content = text
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts both the plain-string and the multipart content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Name = wire.Name
	m.ToolCalls = wire.ToolCalls
	m.ToolCallID = wire.ToolCallID
	m.Content = ""
	m.Parts = nil
	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		return nil
	}
	if wire.Content[0] == '[' {
		return json.Unmarshal(wire.Content, &m.Parts)
	}
	return json.Unmarshal(wire.Content, &m.Content)
}

// ErrOrphanToolMessage reports a tool-role message whose tool_call_id does
// not reference a tool call issued by an earlier assistant turn.
var ErrOrphanToolMessage = errors.New("tool message references unknown tool_call_id")

// ValidateMessages checks the conversation-level invariant: every tool-role
// message must carry a tool_call_id matching a prior assistant tool call.
func ValidateMessages(messages []Message) error {
	issued := make(map[string]bool)
	for i, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			for _, tc := range msg.ToolCalls {
				issued[tc.ID] = true
			}
		case RoleTool:
			if msg.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message missing tool_call_id: %w", i, ErrOrphanToolMessage)
			}
			if !issued[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool_call_id %q: %w", i, msg.ToolCallID, ErrOrphanToolMessage)
			}
		}
	}
	return nil
}

// TextContent flattens the message content into plain text: text parts are
// joined with newlines, binary parts are dropped. Providers that do not
// accept multimodal input use this form.
func (m Message) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, part := range m.Parts {
		if part.Type == PartText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasBinaryParts reports whether the message carries image or audio parts.
func (m Message) HasBinaryParts() bool {
	for _, part := range m.Parts {
		if part.Type != PartText {
			return true
		}
	}
	return false
}

// ToolCall is a model-issued request to execute a tool. Arguments is the raw
// JSON payload, either an object or a JSON-encoded string of an object.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ArgumentsMap decodes the arguments into a map, unwrapping the
// string-encoded form some providers emit.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	raw := tc.Arguments
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode argument string: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(inner)
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

// ToolDefinition describes a callable tool as data: a name, a description,
// and a JSON-Schema for its parameters. MCP-sourced tools arrive with
// schemas only known at runtime, so definitions are values, not code.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the outcome of one tool call. Content is always a
// JSON-encoded string, {"success":...} or {"error":...}.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// ToolMessage converts the result into the tool-role message appended to the
// conversation.
func (tr ToolResult) ToolMessage() Message {
	return Message{
		Role:       RoleTool,
		Content:    tr.Content,
		Name:       tr.Name,
		ToolCallID: tr.ToolCallID,
	}
}

// Now returns the current time in UTC. Trace and reasoning timestamps all go
// through this so tests can compare entries without zone noise.
func Now() time.Time {
	return time.Now().UTC()
}
