package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/config"
)

// Default system prompt templates for the (react, mcp) mode matrix. Config
// entries override them.
const (
	defaultSimplePrompt = `You are a helpful assistant. Answer directly and use the available tools when they help. Do not invent tool results.`

	defaultSimpleMCPPrompt = `You are a helpful assistant with access to built-in tools and external MCP tools (prefixed mcp_). Prefer the most specific tool for the task and report tool failures honestly.`

	defaultReactPrompt = `You are an autonomous agent that solves tasks step by step.
Work in a loop of reasoning and acting: think about what to do next, call a tool when you need information or effects, observe the result, and continue until the task is done. Then give the final answer. Keep each step focused on one action.`

	defaultReactMCPPrompt = `You are an autonomous agent that solves tasks step by step.
Work in a loop of reasoning and acting: think about what to do next, call a tool when you need information or effects, observe the result, and continue until the task is done. Then give the final answer.
Tools prefixed mcp_ are served by external servers; their results may include an "error" field you must handle rather than retry blindly.`
)

// Loop directives appended to the transcript at state transitions.
const (
	planningDirective = `Before acting, write a short numbered plan for completing the task. Do not call any tools yet.`

	reflectionDirective = `Pause and reflect on your progress so far: what has worked, what has not, and what remains. Reply with the reflection only; do not call any tools.`

	summaryDirective = `You have used all available steps. Summarize what you accomplished and give your best final answer now, without calling any more tools.`
)

// systemPrompt selects the template from the mode matrix and appends the
// request's extra context entries and any stored memory.
func systemPrompt(prompts config.PromptsConfig, react, mcp bool, override string, extra map[string]string, memory string) string {
	base := override
	if base == "" {
		switch {
		case react && mcp:
			base = orDefault(prompts.ReactMCP, defaultReactMCPPrompt)
		case react:
			base = orDefault(prompts.React, defaultReactPrompt)
		case mcp:
			base = orDefault(prompts.SimpleMCP, defaultSimpleMCPPrompt)
		default:
			base = orDefault(prompts.Simple, defaultSimplePrompt)
		}
	}

	var b strings.Builder
	b.WriteString(base)
	if len(extra) > 0 {
		b.WriteString("\n\nContext:")
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, extra[k])
		}
	}
	if memory != "" {
		b.WriteString("\n\nWhat you remember about this user:\n")
		b.WriteString(memory)
	}
	return b.String()
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
