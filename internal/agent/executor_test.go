package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/quota"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedDispatcher pops one scripted outcome per Complete call and keeps
// the requests for assertions.
type scriptedDispatcher struct {
	mu       sync.Mutex
	script   []func() (*models.ChatResponse, error)
	requests []*llm.Request
}

func (d *scriptedDispatcher) push(resp *models.ChatResponse, err error) {
	d.script = append(d.script, func() (*models.ChatResponse, error) { return resp, err })
}

func (d *scriptedDispatcher) Complete(ctx context.Context, req *llm.Request) (*models.ChatResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *req
	copied.Messages = append([]models.Message(nil), req.Messages...)
	d.requests = append(d.requests, &copied)
	if len(d.script) == 0 {
		return textResponse("unscripted"), nil
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next()
}

func textResponse(text string) *models.ChatResponse {
	return &models.ChatResponse{
		Choices: []models.ResponseChoice{{
			Message:      models.Message{Role: models.RoleAssistant, Content: text},
			FinishReason: models.FinishStop,
		}},
	}
}

func toolCallResponse(id, name, args string) *models.ChatResponse {
	return &models.ChatResponse{
		Choices: []models.ResponseChoice{{
			Message: models.Message{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: id, Name: name, Arguments: json.RawMessage(args)},
				},
			},
			FinishReason: models.FinishToolCalls,
		}},
	}
}

// redirectTransport sends every outbound request to the test server, so
// tool handlers never reach the real network.
type redirectTransport struct {
	target *url.URL
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newExecutor(t *testing.T, dispatcher Dispatcher, mutate func(*Options)) *Executor {
	t.Helper()
	opts := Options{
		Dispatcher: dispatcher,
		Config: config.AgentConfig{
			MaxSteps:            5,
			ReflectionThreshold: 2,
		},
		Sleep: func(ctx context.Context, d time.Duration) {},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func traceStates(result *models.AgentResult) []string {
	var states []string
	for _, entry := range result.ExecutionTrace {
		states = append(states, string(entry.State)+"/"+entry.Action)
	}
	return states
}

func TestSimpleModeNoTools(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("Hello! How can I help?"), nil)
	executor := newExecutor(t, dispatcher, nil)

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt:    "hi",
		UserID:    "u1",
		ModelName: "gpt-4o-mini",
	})

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.StepsTaken != 0 {
		t.Errorf("StepsTaken = %d, want 0", result.StepsTaken)
	}
	if result.Response.Text() == "" {
		t.Errorf("terminal content is empty")
	}
	want := []string{"idle/init", "executing/start", "responding/final"}
	got := traceStates(result)
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trace[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSimpleModeOneToolRound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Heading":      "Cats",
			"AbstractText": "Cats are small carnivorous mammals.",
			"AbstractURL":  "https://example.org/cats",
			"RelatedTopics": []map[string]any{
				{"Text": "Cat breeds", "FirstURL": "https://example.org/breeds"},
				{"Text": "Cat behavior", "FirstURL": "https://example.org/behavior"},
				{"Text": "Feline diet", "FirstURL": "https://example.org/diet"},
				{"Text": "Kittens", "FirstURL": "https://example.org/kittens"},
			},
		})
	}))
	defer server.Close()
	target, _ := url.Parse(server.URL)

	dispatcher := &scriptedDispatcher{}
	dispatcher.push(toolCallResponse("call_1", "searchDuckDuckGo", `{"query":"cats"}`), nil)
	dispatcher.push(textResponse("Cats are small carnivorous mammals kept as pets."), nil)
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.ToolDeps.HTTPClient = &http.Client{Transport: redirectTransport{target: target}}
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt:      "search for cats",
		UserID:      "u1",
		ModelName:   "gpt-4o-mini",
		ToolsConfig: &models.ToolsConfig{Search: true},
	})

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.StepsTaken != 1 {
		t.Errorf("StepsTaken = %d, want 1", result.StepsTaken)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0].Name != "searchDuckDuckGo" {
		t.Fatalf("ToolsUsed = %+v, want one searchDuckDuckGo entry", result.ToolsUsed)
	}

	// The second call's transcript must pair the tool message with its
	// call id.
	second := dispatcher.requests[1]
	if err := models.ValidateMessages(second.Messages); err != nil {
		t.Errorf("second request transcript invalid: %v", err)
	}
	var toolMsg *models.Message
	for i := range second.Messages {
		if second.Messages[i].Role == models.RoleTool {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in follow-up transcript")
	}
	if !strings.Contains(toolMsg.Content, "carnivorous") {
		t.Errorf("tool message missing search results: %s", toolMsg.Content)
	}
}

func TestReactReflectionCadence(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("1. generate image 2. search"), nil)                      // plan
	dispatcher.push(toolCallResponse("call_1", "generateImage", `{"prompt":"a cat"}`), nil) // round 1
	dispatcher.push(toolCallResponse("call_2", "generateImage", `{"prompt":"a dog"}`), nil) // round 2
	dispatcher.push(textResponse("So far both images are generated."), nil)                 // reflection
	dispatcher.push(textResponse("All done: two images generated."), nil)                   // terminal

	generated := 0
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.ToolDeps.Images = imageGenFunc(func(ctx context.Context, prompt string) (string, error) {
			generated++
			return "data:image/png;base64,QUJD", nil
		})
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt:           "make me two images",
		UserID:           "u1",
		ModelName:        "gpt-4o-mini",
		EnableReactMode:  true,
		EnableReflection: true,
		MaxSteps:         5,
	})

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.StepsTaken != 2 {
		t.Errorf("StepsTaken = %d, want 2", result.StepsTaken)
	}
	if generated != 2 {
		t.Errorf("image generator ran %d times, want 2", generated)
	}
	if result.GeneratedImage == "" {
		t.Errorf("GeneratedImage is empty, want side-channel data-URI")
	}

	states := traceStates(result)
	joined := strings.Join(states, " ")
	for _, want := range []string{"planning/plan", "reflecting/reflect", "responding/final"} {
		if !strings.Contains(joined, want) {
			t.Errorf("trace %v missing %s", states, want)
		}
	}

	reflections := 0
	actions := 0
	for _, step := range result.ReasoningSteps {
		switch step.Type {
		case models.StepReflection:
			reflections++
		case models.StepAction:
			actions++
		}
	}
	if reflections != 1 {
		t.Errorf("reflection steps = %d, want 1", reflections)
	}
	if actions != 2 {
		t.Errorf("action steps = %d, want 2 (one per executed tool)", actions)
	}
}

type imageGenFunc func(ctx context.Context, prompt string) (string, error)

func (f imageGenFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestReactStepBudgetSummary(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("plan: keep searching"), nil)
	dispatcher.push(toolCallResponse("call_1", "generateImage", `{"prompt":"x"}`), nil)
	dispatcher.push(textResponse("Ran out of steps; here is what I have."), nil) // summary

	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.ToolDeps.Images = imageGenFunc(func(ctx context.Context, prompt string) (string, error) {
			return "data:image/png;base64,QUJD", nil
		})
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt:          "do things forever",
		UserID:          "u1",
		ModelName:       "gpt-4o-mini",
		EnableReactMode: true,
		MaxSteps:        1,
	})

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if result.StepsTaken != 1 {
		t.Errorf("StepsTaken = %d, want 1", result.StepsTaken)
	}
	last := result.ExecutionTrace[len(result.ExecutionTrace)-1]
	if !strings.Contains(last.Action, "summary") {
		t.Errorf("last trace action = %s, want summary", last.Action)
	}
	if result.Response.Text() == "" {
		t.Errorf("summary response is empty")
	}
}

func TestRateLimitRetryEmitsEvents(t *testing.T) {
	rateLimited := &llm.ProviderError{Reason: llm.ReasonRateLimit, Provider: "github", Model: "gpt-4o-mini", Status: 429}

	dispatcher := &scriptedDispatcher{}
	dispatcher.push(nil, rateLimited)
	dispatcher.push(textResponse("recovered"), nil)

	var slept []time.Duration
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.Sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }
	})

	var events []models.StepEvent
	result := executor.RunStream(context.Background(), &models.AgentRequest{
		Prompt:    "hi",
		UserID:    "u1",
		ModelName: "gpt-4o-mini",
	}, func(e models.StepEvent) { events = append(events, e) })

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if len(slept) != 1 || slept[0] != 60*time.Second {
		t.Errorf("slept = %v, want one 60s backoff", slept)
	}

	retries := 0
	for _, event := range events {
		if event.Status == models.StatusError {
			retries++
			if event.Details["retry_in"] != 60 {
				t.Errorf("retry event details = %v, want retry_in 60", event.Details)
			}
		}
	}
	if retries != 1 {
		t.Errorf("error events = %d, want 1", retries)
	}

	// Events are strictly ordered.
	for i := 1; i < len(events); i++ {
		if events[i].Step != events[i-1].Step+1 {
			t.Errorf("event steps not sequential: %d after %d", events[i].Step, events[i-1].Step)
		}
	}
	if len(events) == 0 || events[len(events)-1].Status != models.StatusDone {
		t.Errorf("last event status != done")
	}
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	rateLimited := &llm.ProviderError{Reason: llm.ReasonRateLimit, Provider: "github", Model: "gpt-4o-mini", Status: 429}
	dispatcher := &scriptedDispatcher{}
	for i := 0; i < rateLimitAttempts; i++ {
		dispatcher.push(nil, rateLimited)
	}

	var slept int
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.Sleep = func(ctx context.Context, d time.Duration) { slept++ }
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini",
	})

	if result.Success {
		t.Fatal("Success = true, want failure after exhausted retries")
	}
	if slept != rateLimitAttempts-1 {
		t.Errorf("backoffs = %d, want %d", slept, rateLimitAttempts-1)
	}
	if len(dispatcher.requests) != rateLimitAttempts {
		t.Errorf("dispatcher calls = %d, want %d", len(dispatcher.requests), rateLimitAttempts)
	}
}

type denyGate struct{}

func (denyGate) Check(ctx context.Context, userID, model string) error {
	return &quota.ExceededError{UserID: userID, Model: model, Limit: 10, Used: 11}
}

func (denyGate) Record(ctx context.Context, userID, model string) error { return nil }

// countingGate tracks how often each side of the gate is hit.
type countingGate struct {
	mu      sync.Mutex
	checks  int
	records int
}

func (g *countingGate) Check(ctx context.Context, userID, model string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return nil
}

func (g *countingGate) Record(ctx context.Context, userID, model string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records++
	return nil
}

func TestQuotaExceededFailsRequest(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.Quota = denyGate{}
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini",
	})

	if result.Success {
		t.Fatal("Success = true, want quota failure")
	}
	if result.ErrorCode != models.ErrCodeQuotaExceeded {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, models.ErrCodeQuotaExceeded)
	}
	if len(dispatcher.requests) != 0 {
		t.Errorf("dispatcher was called despite quota denial")
	}
	// Partial trace survives.
	if len(result.ExecutionTrace) == 0 {
		t.Errorf("execution trace is empty")
	}
}

func TestQuotaRecordedOnlyOnSuccess(t *testing.T) {
	gate := &countingGate{}
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("done"), nil)
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.Quota = gate
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini",
	})
	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if gate.checks != 1 || gate.records != 1 {
		t.Errorf("checks/records = %d/%d, want 1/1", gate.checks, gate.records)
	}

	// A failed model call passes Check but is never recorded.
	failing := &scriptedDispatcher{}
	failing.push(nil, llm.ErrUnknownModel)
	gate = &countingGate{}
	executor = newExecutor(t, failing, func(opts *Options) {
		opts.Quota = gate
	})
	result = executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "nope",
	})
	if result.Success {
		t.Fatal("Success = true for unknown model")
	}
	if gate.checks != 1 || gate.records != 0 {
		t.Errorf("checks/records = %d/%d, want 1/0", gate.checks, gate.records)
	}
}

func TestEmptyTerminalPromotesReasoning(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("Plan: answer directly."), nil)
	dispatcher.push(textResponse(""), nil)
	executor := newExecutor(t, dispatcher, nil)

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini",
		EnableReactMode: true,
	})
	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if got := result.Response.Text(); got != "Plan: answer directly." {
		t.Errorf("Text() = %q, want the promoted reasoning step", got)
	}
}

func TestMCPToolsEnterDefinitions(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(textResponse("ok"), nil)

	backend := &fakeMCP{defs: []models.ToolDefinition{{
		Name:        "mcp_filesystem_read_file",
		Description: "[filesystem] Read a file",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}}}
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.MCP = backend
	})

	executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini", EnableMCP: true,
	})

	defs := dispatcher.requests[0].Tools
	found := false
	for _, def := range defs {
		if def.Name == "mcp_filesystem_read_file" {
			found = true
		}
	}
	if !found {
		t.Errorf("MCP tool definition missing from dispatcher request: %+v", defs)
	}
}

type fakeMCP struct {
	defs  []models.ToolDefinition
	calls []string
}

func (f *fakeMCP) ToolDefinitions() []models.ToolDefinition { return f.defs }

func (f *fakeMCP) CallTool(ctx context.Context, key string, args map[string]any) map[string]any {
	f.calls = append(f.calls, key)
	return map[string]any{"success": true, "result": "file contents"}
}

func TestMCPToolRoundTrip(t *testing.T) {
	dispatcher := &scriptedDispatcher{}
	dispatcher.push(toolCallResponse("call_1", "mcp_filesystem_read_file", `{"path":"README.md"}`), nil)
	dispatcher.push(textResponse("The README says hello."), nil)

	backend := &fakeMCP{defs: []models.ToolDefinition{{Name: "mcp_filesystem_read_file"}}}
	executor := newExecutor(t, dispatcher, func(opts *Options) {
		opts.MCP = backend
	})

	result := executor.Run(context.Background(), &models.AgentRequest{
		Prompt: "read the readme", UserID: "u1", ModelName: "gpt-4o-mini", EnableMCP: true,
	})

	if !result.Success {
		t.Fatalf("Success = false, error = %s", result.Error)
	}
	if len(backend.calls) != 1 || backend.calls[0] != "filesystem:read_file" {
		t.Errorf("MCP calls = %v, want [filesystem:read_file]", backend.calls)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0].Name != "mcp_filesystem_read_file" {
		t.Errorf("ToolsUsed = %+v", result.ToolsUsed)
	}
}

type dispatcherFunc func(ctx context.Context, req *llm.Request) (*models.ChatResponse, error)

func (f dispatcherFunc) Complete(ctx context.Context, req *llm.Request) (*models.ChatResponse, error) {
	return f(ctx, req)
}

func TestCanceledRequestSuppressesEvents(t *testing.T) {
	dispatcher := dispatcherFunc(func(ctx context.Context, req *llm.Request) (*models.ChatResponse, error) {
		return nil, ctx.Err()
	})
	executor := newExecutor(t, dispatcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var events []models.StepEvent
	result := executor.RunStream(ctx, &models.AgentRequest{
		Prompt: "hi", UserID: "u1", ModelName: "gpt-4o-mini",
	}, func(e models.StepEvent) { events = append(events, e) })

	if result.Success {
		t.Fatal("Success = true, want cancellation failure")
	}
	if result.ErrorCode != models.ErrCodeCanceled {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, models.ErrCodeCanceled)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want none after cancellation", len(events))
	}
	if len(result.ExecutionTrace) == 0 {
		t.Errorf("execution trace is empty")
	}
}

func TestSystemPromptSelection(t *testing.T) {
	prompts := config.PromptsConfig{
		Simple:    "SIMPLE",
		SimpleMCP: "SIMPLE_MCP",
		React:     "REACT",
		ReactMCP:  "REACT_MCP",
	}
	tests := []struct {
		react, mcp bool
		want       string
	}{
		{false, false, "SIMPLE"},
		{false, true, "SIMPLE_MCP"},
		{true, false, "REACT"},
		{true, true, "REACT_MCP"},
	}
	for _, tt := range tests {
		got := systemPrompt(prompts, tt.react, tt.mcp, "", nil, "")
		if got != tt.want {
			t.Errorf("systemPrompt(react=%v, mcp=%v) = %q, want %q", tt.react, tt.mcp, got, tt.want)
		}
	}

	if got := systemPrompt(prompts, true, true, "OVERRIDE", nil, ""); got != "OVERRIDE" {
		t.Errorf("override ignored: %q", got)
	}

	withExtras := systemPrompt(prompts, false, false, "", map[string]string{"locale": "pt"}, "likes tea")
	if !strings.Contains(withExtras, "locale: pt") || !strings.Contains(withExtras, "likes tea") {
		t.Errorf("context/memory missing from prompt: %q", withExtras)
	}
}
