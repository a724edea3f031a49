package models

import "time"

// AgentState is the executor state machine position recorded in the trace.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StatePlanning   AgentState = "planning"
	StateExecuting  AgentState = "executing"
	StateObserving  AgentState = "observing"
	StateReflecting AgentState = "reflecting"
	StateResponding AgentState = "responding"
	StateError      AgentState = "error"
)

// Reasoning step types.
const (
	StepThought     = "thought"
	StepAction      = "action"
	StepObservation = "observation"
	StepReflection  = "reflection"
)

// Step event statuses for the streaming variant.
const (
	StatusThinking  = "thinking"
	StatusPlanning  = "planning"
	StatusExecuting = "executing"
	StatusError     = "error"
	StatusDone      = "done"
)

// ToolsConfig toggles the optional tool groups assembled into the request
// registry.
type ToolsConfig struct {
	Search   bool `json:"search,omitempty"`
	Advanced bool `json:"advanced,omitempty"`
}

// AgentRequest is the body of a POST /agent call.
type AgentRequest struct {
	Prompt               string            `json:"prompt"`
	UserID               string            `json:"user_id"`
	ModelName            string            `json:"model_name"`
	SessionID            string            `json:"session_id,omitempty"`
	EnableMemory         bool              `json:"enable_memory,omitempty"`
	EnableReflection     bool              `json:"enable_reflection,omitempty"`
	EnableReactMode      bool              `json:"enable_react_mode,omitempty"`
	EnableMCP            bool              `json:"enable_mcp,omitempty"`
	MaxSteps             int               `json:"max_steps,omitempty"`
	ToolsConfig          *ToolsConfig      `json:"tools_config,omitempty"`
	SystemPromptOverride string            `json:"system_prompt_override,omitempty"`
	Context              map[string]string `json:"context,omitempty"`
	Image                string            `json:"image,omitempty"`
	Audio                string            `json:"audio,omitempty"`
}

// TraceEntry is one execution-trace record.
type TraceEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	State     AgentState `json:"state"`
	Action    string     `json:"action"`
	Payload   any        `json:"payload,omitempty"`
}

// ReasoningStep is one entry of the reasoning trace.
type ReasoningStep struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// ToolUse records one executed tool call in the result summary.
type ToolUse struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// AgentResult is the terminal payload of an agent run.
type AgentResult struct {
	Success          bool            `json:"success"`
	InteractionID    string          `json:"interaction_id"`
	Response         *ChatResponse   `json:"response,omitempty"`
	ExecutionTrace   []TraceEntry    `json:"execution_trace"`
	ReasoningSteps   []ReasoningStep `json:"reasoning_steps"`
	ToolsUsed        []ToolUse       `json:"tools_used"`
	StepsTaken       int             `json:"steps_taken"`
	ExecutionTimeSec float64         `json:"execution_time_sec"`
	GeneratedImage   string          `json:"generated_image,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
}

// Error codes carried by AgentResult so the HTTP surface can map failures
// to status codes without parsing messages.
const (
	ErrCodeQuotaExceeded       = "quota_exceeded"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeCanceled            = "canceled"
	ErrCodeInternal            = "internal"
)

// StepEvent is one entry of the streaming step-event feed. Events within a
// request are totally ordered; Step is a monotonically increasing sequence.
type StepEvent struct {
	Step      int            `json:"step"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Plan      string         `json:"plan,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
