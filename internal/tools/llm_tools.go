package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// llmToolSpec declares one utility tool whose work is a single model call.
// buildPrompt turns the validated arguments into the system and user turns.
type llmToolSpec struct {
	name        string
	description string
	schema      string
	buildPrompt func(args map[string]any) (system, user string)
}

// llmTool runs its spec's prompt against the request's model via the
// dispatcher and returns the text.
type llmTool struct {
	spec      llmToolSpec
	completer Completer
	model     string
}

func (t *llmTool) Name() string            { return t.spec.name }
func (t *llmTool) Description() string     { return t.spec.description }
func (t *llmTool) Schema() json.RawMessage { return json.RawMessage(t.spec.schema) }

func (t *llmTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.completer == nil {
		return nil, errors.New("model backend is not configured")
	}
	system, user := t.spec.buildPrompt(args)
	resp, err := t.completer.Complete(ctx, &llm.Request{
		Model: t.model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.spec.name, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", t.spec.name, resp.Error)
	}
	return map[string]any{"success": true, "result": resp.Text()}, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStringOr(args map[string]any, key, fallback string) string {
	if s := argString(args, key); s != "" {
		return s
	}
	return fallback
}

var llmToolSpecs = []llmToolSpec{
	{
		name:        "analyzeText",
		description: "Analyze a text for tone, structure, key points, or a specific focus.",
		schema: `{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to analyze"},
				"focus": {"type": "string", "description": "Optional aspect to focus on"}
			},
			"required": ["text"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			focus := argStringOr(args, "focus", "tone, structure and key points")
			return "You are a careful text analyst. Answer concisely.",
				fmt.Sprintf("Analyze the following text, focusing on %s:\n\n%s", focus, argString(args, "text"))
		},
	},
	{
		name:        "convertFormat",
		description: "Convert content between formats such as json, yaml, markdown, csv and html.",
		schema: `{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Content to convert"},
				"target_format": {"type": "string", "enum": ["json", "yaml", "markdown", "csv", "html", "plain"]}
			},
			"required": ["content", "target_format"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			return "You convert content between formats. Output only the converted content, no commentary.",
				fmt.Sprintf("Convert to %s:\n\n%s", argString(args, "target_format"), argString(args, "content"))
		},
	},
	{
		name:        "summarizeText",
		description: "Summarize a long text.",
		schema: `{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to summarize"},
				"max_length": {"type": "integer", "description": "Approximate maximum words"}
			},
			"required": ["text"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			limit := "a short paragraph"
			if n, ok := args["max_length"].(float64); ok && n > 0 {
				limit = fmt.Sprintf("at most %d words", int(n))
			}
			return "You are a summarizer. Preserve the key facts.",
				fmt.Sprintf("Summarize the following text in %s:\n\n%s", limit, argString(args, "text"))
		},
	},
	{
		name:        "translateText",
		description: "Translate text into a target language.",
		schema: `{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to translate"},
				"target_language": {"type": "string", "description": "Target language name or code"}
			},
			"required": ["text", "target_language"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			return "You are a translator. Output only the translation.",
				fmt.Sprintf("Translate into %s:\n\n%s", argString(args, "target_language"), argString(args, "text"))
		},
	},
	{
		name:        "generateStructuredData",
		description: "Generate structured data (JSON) matching a description and optional schema.",
		schema: `{
			"type": "object",
			"properties": {
				"description": {"type": "string", "description": "What data to generate"},
				"schema": {"type": "string", "description": "Optional JSON Schema the output must match"}
			},
			"required": ["description"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			user := "Generate JSON data for: " + argString(args, "description")
			if schema := argString(args, "schema"); schema != "" {
				user += "\n\nThe output must validate against this JSON Schema:\n" + schema
			}
			return "You generate structured data. Output only valid JSON, no commentary.", user
		},
	},
	{
		name:        "answerDataQuestion",
		description: "Answer a question about a provided data snippet (JSON, CSV or table).",
		schema: `{
			"type": "object",
			"properties": {
				"data": {"type": "string", "description": "The data to inspect"},
				"question": {"type": "string", "description": "Question about the data"}
			},
			"required": ["data", "question"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			return "You answer questions about data precisely. If the data does not contain the answer, say so.",
				fmt.Sprintf("Data:\n%s\n\nQuestion: %s", argString(args, "data"), argString(args, "question"))
		},
	},
	{
		name:        "planDates",
		description: "Plan a schedule or timeline toward a goal.",
		schema: `{
			"type": "object",
			"properties": {
				"goal": {"type": "string", "description": "What to plan for"},
				"start_date": {"type": "string", "description": "Optional start date, ISO 8601"},
				"constraints": {"type": "string", "description": "Optional constraints"}
			},
			"required": ["goal"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			var b strings.Builder
			fmt.Fprintf(&b, "Create a dated plan for: %s", argString(args, "goal"))
			if start := argString(args, "start_date"); start != "" {
				fmt.Fprintf(&b, "\nStart date: %s", start)
			}
			if constraints := argString(args, "constraints"); constraints != "" {
				fmt.Fprintf(&b, "\nConstraints: %s", constraints)
			}
			return "You are a planner. Produce a concrete, dated schedule.", b.String()
		},
	},
	{
		name:        "integrateInformation",
		description: "Combine multiple source texts into one coherent answer.",
		schema: `{
			"type": "object",
			"properties": {
				"sources": {"type": "array", "items": {"type": "string"}, "description": "Source texts"},
				"question": {"type": "string", "description": "Optional question to answer from the sources"}
			},
			"required": ["sources"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			var b strings.Builder
			if sources, ok := args["sources"].([]any); ok {
				for i, source := range sources {
					fmt.Fprintf(&b, "Source %d:\n%v\n\n", i+1, source)
				}
			}
			if question := argString(args, "question"); question != "" {
				fmt.Fprintf(&b, "Question: %s", question)
			} else {
				b.WriteString("Integrate these sources into one coherent summary, noting contradictions.")
			}
			return "You integrate information from multiple sources and cite which source supports each claim.", b.String()
		},
	},
	{
		name:        "generateCode",
		description: "Generate source code from a description.",
		schema: `{
			"type": "object",
			"properties": {
				"description": {"type": "string", "description": "What the code should do"},
				"language": {"type": "string", "description": "Programming language"}
			},
			"required": ["description"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			language := argStringOr(args, "language", "the most suitable language")
			return "You write clean, working code. Output the code with a brief explanation.",
				fmt.Sprintf("Write %s code for: %s", language, argString(args, "description"))
		},
	},
	{
		name:        "evaluateAgentPerformance",
		description: "Evaluate an agent execution trace and suggest improvements.",
		schema: `{
			"type": "object",
			"properties": {
				"trace": {"type": "string", "description": "Execution trace or reasoning steps to evaluate"},
				"criteria": {"type": "string", "description": "Optional evaluation criteria"}
			},
			"required": ["trace"]
		}`,
		buildPrompt: func(args map[string]any) (string, string) {
			criteria := argStringOr(args, "criteria", "efficiency, correctness and tool usage")
			return "You review agent execution traces objectively.",
				fmt.Sprintf("Evaluate this execution trace against %s and suggest concrete improvements:\n\n%s",
					criteria, argString(args, "trace"))
		},
	},
}
