// Package agent drives multi-step model execution: mode selection, the
// ReAct and simple loops, step-event streaming, and per-request
// bookkeeping.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/quota"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

const (
	rateLimitAttempts = 3
	rateLimitBackoff  = 60 * time.Second
)

// Dispatcher folds one model call into a response.
type Dispatcher interface {
	Complete(ctx context.Context, req *llm.Request) (*models.ChatResponse, error)
}

// QuotaGate is consulted before every dispatcher call; successful calls
// are recorded afterwards, so failures do not consume quota.
type QuotaGate interface {
	Check(ctx context.Context, userID, model string) error
	Record(ctx context.Context, userID, model string) error
}

// MCPBackend bridges namespaced tool calls to MCP sessions.
type MCPBackend interface {
	ToolDefinitions() []models.ToolDefinition
	CallTool(ctx context.Context, key string, args map[string]any) map[string]any
}

// EmitFunc receives step events during a streaming run. It is always
// invoked from the request's own goroutine, so events never interleave.
type EmitFunc func(models.StepEvent)

// Options wires the executor's collaborators.
type Options struct {
	Dispatcher Dispatcher
	Quota      QuotaGate
	MCP        MCPBackend
	Stores     *store.Set
	ToolDeps   tools.Deps
	Config     config.AgentConfig

	// Sleep is swapped out by tests to fast-forward the retry backoff.
	Sleep func(ctx context.Context, d time.Duration)

	Logger *slog.Logger
}

// Executor runs agent requests.
type Executor struct {
	opts Options
}

// New builds an executor, applying defaults for optional collaborators.
func New(opts Options) *Executor {
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "agent")
	}
	if opts.Stores == nil {
		opts.Stores = store.NewNoop()
	}
	if opts.Config.MaxSteps <= 0 {
		opts.Config.MaxSteps = 5
	}
	if opts.Config.ReflectionThreshold <= 0 {
		opts.Config.ReflectionThreshold = 2
	}
	return &Executor{opts: opts}
}

// Run executes a request without step events.
func (e *Executor) Run(ctx context.Context, req *models.AgentRequest) *models.AgentResult {
	return e.RunStream(ctx, req, nil)
}

// RunStream executes a request, emitting ordered step events when emit is
// non-nil. It never returns an error: failures are reported inside the
// result with the partial trace intact.
func (e *Executor) RunStream(ctx context.Context, req *models.AgentRequest, emit EmitFunc) *models.AgentResult {
	started := time.Now()
	r := e.newRun(ctx, req, emit)

	r.trace(models.StateIdle, "init", nil)
	r.event(models.StatusThinking, "request accepted", nil)

	terminal, err := r.execute()
	result := r.finish(terminal, err, started)
	e.persist(req, result)
	return result
}

// persist dispatches the fire-and-forget bookkeeping writes.
func (e *Executor) persist(req *models.AgentRequest, result *models.AgentResult) {
	reply := ""
	if result.Response != nil {
		reply = result.Response.Text()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := e.opts.Stores.ChatLog.Append(ctx, store.ChatLogEntry{
			InteractionID: result.InteractionID,
			UserID:        req.UserID,
			Model:         req.ModelName,
			Prompt:        req.Prompt,
			Reply:         reply,
		})
		if err != nil {
			e.opts.Logger.Warn("chat log write failed", "error", err)
		}

		if req.SessionID != "" {
			for _, msg := range []store.SessionMessage{
				{SessionID: req.SessionID, Role: models.RoleUser, Content: req.Prompt},
				{SessionID: req.SessionID, Role: models.RoleAssistant, Content: reply},
			} {
				if err := e.opts.Stores.Sessions.Append(ctx, msg); err != nil {
					e.opts.Logger.Warn("session write failed", "error", err)
				}
			}
		}

		if req.EnableMemory {
			if err := e.updateMemory(ctx, req.UserID, req.Prompt); err != nil {
				e.opts.Logger.Warn("memory update failed", "error", err)
			}
		}
	}()
}

// updateMemory appends the prompt to the user's memory document with a
// timestamp. The document shape is opaque to everything else.
func (e *Executor) updateMemory(ctx context.Context, userID, prompt string) error {
	existing, err := e.opts.Stores.Memory.Get(ctx, userID)
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("2006-01-02"), prompt)
	if existing != "" {
		entry = existing + "\n" + entry
	}
	return e.opts.Stores.Memory.Update(ctx, userID, entry)
}

// run is the per-request state.
type run struct {
	exec *Executor
	ctx  context.Context
	req  *models.AgentRequest
	emit EmitFunc

	registry  *tools.Registry
	artifacts *tools.Artifacts
	toolExec  *tools.Executor
	toolDefs  []models.ToolDefinition

	messages       []models.Message
	traceEntries   []models.TraceEntry
	reasoningSteps []models.ReasoningStep
	toolsUsed      []models.ToolUse
	steps          int
	maxSteps       int
	eventSeq       int
}

func (e *Executor) newRun(ctx context.Context, req *models.AgentRequest, emit EmitFunc) *run {
	toolsConfig := models.ToolsConfig{}
	if req.ToolsConfig != nil {
		toolsConfig = *req.ToolsConfig
	}

	registry, artifacts := tools.BuildRegistry(e.opts.ToolDeps, tools.BuildOptions{
		UserID:   req.UserID,
		Model:    req.ModelName,
		Search:   toolsConfig.Search,
		Advanced: toolsConfig.Advanced,
	})

	var mcpCaller tools.MCPCaller
	defs := registry.Definitions()
	if req.EnableMCP && e.opts.MCP != nil {
		mcpCaller = e.opts.MCP
		defs = append(defs, e.opts.MCP.ToolDefinitions()...)
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.opts.Config.MaxSteps
	}

	return &run{
		exec:      e,
		ctx:       ctx,
		req:       req,
		emit:      emit,
		registry:  registry,
		artifacts: artifacts,
		toolExec:  tools.NewExecutor(registry, mcpCaller),
		toolDefs:  defs,
		maxSteps:  maxSteps,
	}
}

// execute builds the transcript and runs the selected loop.
func (r *run) execute() (*models.ChatResponse, error) {
	memory := ""
	if r.req.EnableMemory {
		stored, err := r.exec.opts.Stores.Memory.Get(r.ctx, r.req.UserID)
		if err != nil {
			r.exec.opts.Logger.Warn("memory read failed", "error", err)
		} else {
			memory = stored
		}
	}

	system := systemPrompt(r.exec.opts.Config.Prompts, r.req.EnableReactMode, r.req.EnableMCP,
		r.req.SystemPromptOverride, r.req.Context, memory)
	r.messages = append(r.messages, models.Message{Role: models.RoleSystem, Content: system})

	if r.req.SessionID != "" {
		history, err := r.exec.opts.Stores.Sessions.History(r.ctx, r.req.SessionID, 20)
		if err != nil {
			r.exec.opts.Logger.Warn("session history read failed", "error", err)
		}
		for _, msg := range history {
			r.messages = append(r.messages, models.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	r.messages = append(r.messages, userMessage(r.req))

	if r.req.EnableReactMode {
		return r.reactLoop()
	}
	return r.simpleLoop()
}

// userMessage builds the request turn, multipart when media is attached.
func userMessage(req *models.AgentRequest) models.Message {
	msg := models.Message{Role: models.RoleUser, Content: req.Prompt}
	if req.Image == "" && req.Audio == "" {
		return msg
	}
	msg.Parts = []models.ContentPart{{Type: models.PartText, Text: req.Prompt}}
	if req.Image != "" {
		msg.Parts = append(msg.Parts, models.ContentPart{
			Type:     models.PartImageURL,
			ImageURL: &models.ImageRef{URL: asDataURI(req.Image, "image/png")},
		})
	}
	if req.Audio != "" {
		msg.Parts = append(msg.Parts, models.ContentPart{
			Type:  models.PartAudio,
			Audio: &models.AudioRef{URL: asDataURI(req.Audio, "audio/wav")},
		})
	}
	return msg
}

func asDataURI(payload, mime string) string {
	if strings.HasPrefix(payload, "data:") || strings.HasPrefix(payload, "http") {
		return payload
	}
	return "data:" + mime + ";base64," + payload
}

// simpleLoop sends once with tools; a tool round gets one follow-up call
// which is taken as terminal either way.
func (r *run) simpleLoop() (*models.ChatResponse, error) {
	r.trace(models.StateExecuting, "start", nil)
	r.event(models.StatusExecuting, "calling model", nil)

	resp, err := r.complete(r.toolDefs)
	if err != nil {
		return nil, err
	}

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		r.appendAssistant(resp)
		r.trace(models.StateResponding, "final", nil)
		return resp, nil
	}

	r.appendAssistant(resp)
	r.runToolRound(calls)
	r.steps = 1

	r.event(models.StatusExecuting, "integrating tool results", nil)
	final, err := r.complete(nil)
	if err != nil {
		return nil, err
	}
	r.appendAssistant(final)
	r.trace(models.StateResponding, "final", nil)
	return final, nil
}

// reactLoop runs plan, bounded execution rounds with optional reflection,
// and the summary path when the step budget runs out.
func (r *run) reactLoop() (*models.ChatResponse, error) {
	// Planning.
	r.trace(models.StatePlanning, "plan", nil)
	r.messages = append(r.messages, models.Message{Role: models.RoleUser, Content: planningDirective})
	plan, err := r.complete(nil)
	if err != nil {
		return nil, err
	}
	planText := plan.Text()
	r.appendAssistant(plan)
	r.step(models.StepThought, planText, "", nil, "")
	r.eventWithPlan(models.StatusPlanning, "plan ready", planText)

	// Execution rounds.
	r.trace(models.StateExecuting, "start", nil)
	var terminal *models.ChatResponse
	for r.steps < r.maxSteps {
		r.event(models.StatusExecuting, fmt.Sprintf("execution round %d", r.steps+1), nil)
		resp, err := r.complete(r.toolDefs)
		if err != nil {
			return nil, err
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			r.appendAssistant(resp)
			terminal = resp
			break
		}

		r.appendAssistant(resp)
		r.runToolRound(calls)
		r.steps++
		r.trace(models.StateObserving, fmt.Sprintf("round %d complete", r.steps), nil)

		if r.req.EnableReflection && r.steps%r.exec.opts.Config.ReflectionThreshold == 0 {
			if err := r.reflect(); err != nil {
				return nil, err
			}
		}
	}

	// Summary path on budget exhaustion.
	if terminal == nil {
		r.trace(models.StateResponding, "summary", nil)
		r.event(models.StatusExecuting, "step budget spent, summarizing", nil)
		r.messages = append(r.messages, models.Message{Role: models.RoleUser, Content: summaryDirective})
		summary, err := r.complete(nil)
		if err != nil {
			return nil, err
		}
		r.appendAssistant(summary)
		return summary, nil
	}

	r.trace(models.StateResponding, "final", nil)
	return terminal, nil
}

func (r *run) reflect() error {
	r.trace(models.StateReflecting, "reflect", nil)
	r.messages = append(r.messages, models.Message{Role: models.RoleUser, Content: reflectionDirective})
	resp, err := r.complete(nil)
	if err != nil {
		return err
	}
	text := resp.Text()
	r.appendAssistant(resp)
	r.step(models.StepReflection, text, "", nil, "")
	r.event(models.StatusThinking, "reflection", map[string]any{"reflection": text})
	return nil
}

// runToolRound executes one round of tool calls in order and appends the
// results as tool messages. One action step per tool.
func (r *run) runToolRound(calls []models.ToolCall) {
	for _, call := range calls {
		args, _ := call.ArgumentsMap()
		r.event(models.StatusExecuting, "running tool "+call.Name, map[string]any{"tool": call.Name})

		result := r.toolExec.Execute(r.ctx, call)
		r.messages = append(r.messages, result.ToolMessage())
		r.step(models.StepAction, "", call.Name, args, result.Content)
		r.toolsUsed = append(r.toolsUsed, models.ToolUse{Name: call.Name, Args: args})
	}
}

// complete gates on quota and calls the dispatcher, retrying rate limits
// with backoff.
func (r *run) complete(defs []models.ToolDefinition) (*models.ChatResponse, error) {
	if r.exec.opts.Quota != nil {
		if err := r.exec.opts.Quota.Check(r.ctx, r.req.UserID, r.req.ModelName); err != nil {
			return nil, err
		}
	}

	req := &llm.Request{
		Model:    r.req.ModelName,
		Messages: r.messages,
		Tools:    defs,
	}

	var lastErr error
	for attempt := 1; attempt <= rateLimitAttempts; attempt++ {
		resp, err := r.exec.opts.Dispatcher.Complete(r.ctx, req)
		if err == nil {
			if r.exec.opts.Quota != nil {
				if recErr := r.exec.opts.Quota.Record(r.ctx, r.req.UserID, r.req.ModelName); recErr != nil {
					r.exec.opts.Logger.Warn("quota record failed", "error", recErr)
				}
			}
			return resp, nil
		}
		lastErr = err
		if !llm.IsRateLimited(err) || r.ctx.Err() != nil {
			return nil, err
		}
		if attempt == rateLimitAttempts {
			break
		}
		r.exec.opts.Logger.Warn("rate limited, backing off",
			"model", r.req.ModelName, "attempt", attempt)
		r.event(models.StatusError, "provider rate limited, retrying",
			map[string]any{"retry_in": int(rateLimitBackoff.Seconds())})
		r.exec.opts.Sleep(r.ctx, rateLimitBackoff)
	}
	return nil, lastErr
}

func (r *run) appendAssistant(resp *models.ChatResponse) {
	if len(resp.Choices) == 0 {
		return
	}
	msg := resp.Choices[0].Message
	msg.Role = models.RoleAssistant
	r.messages = append(r.messages, msg)
}

// finish assembles the result, applying the terminal fallback for empty
// content.
func (r *run) finish(terminal *models.ChatResponse, err error, started time.Time) *models.AgentResult {
	result := &models.AgentResult{
		InteractionID:    uuid.New().String(),
		ExecutionTrace:   r.traceEntries,
		ReasoningSteps:   r.reasoningSteps,
		ToolsUsed:        r.toolsUsed,
		StepsTaken:       r.steps,
		ExecutionTimeSec: time.Since(started).Seconds(),
		GeneratedImage:   r.artifacts.Image(),
	}

	if err != nil {
		r.trace(models.StateError, "failed", err.Error())
		result.ExecutionTrace = r.traceEntries
		result.Error = err.Error()
		result.ErrorCode = classifyRunError(err, r.ctx)
		if r.ctx.Err() == nil {
			r.event(models.StatusError, result.Error, nil)
		}
		return result
	}

	if terminal != nil && terminal.Text() == "" {
		if promoted := r.promotedText(); promoted != "" {
			if len(terminal.Choices) > 0 {
				terminal.Choices[0].Message.Content = promoted
				terminal.Choices[0].Message.Parts = nil
			} else {
				terminal.Choices = []models.ResponseChoice{{
					Message: models.Message{Role: models.RoleAssistant, Content: promoted},
				}}
			}
		}
	}

	result.Success = true
	result.Response = terminal
	result.ExecutionTrace = r.traceEntries
	r.event(models.StatusDone, "completed", nil)
	return result
}

// classifyRunError maps a failure to the result error code the HTTP
// surface translates into a status.
func classifyRunError(err error, ctx context.Context) string {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		return models.ErrCodeQuotaExceeded
	}
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) && provErr.Reason == llm.ReasonUnavailable {
		return models.ErrCodeProviderUnavailable
	}
	if errors.Is(err, llm.ErrUnknownModel) {
		return models.ErrCodeProviderUnavailable
	}
	if ctx.Err() != nil {
		return models.ErrCodeCanceled
	}
	return models.ErrCodeInternal
}

// promotedText recovers displayable text from the latest reasoning step
// when the terminal content came back empty.
func (r *run) promotedText() string {
	for i := len(r.reasoningSteps) - 1; i >= 0; i-- {
		step := r.reasoningSteps[i]
		if (step.Type == models.StepThought || step.Type == models.StepReflection) && step.Content != "" {
			return step.Content
		}
	}
	return ""
}

func (r *run) trace(state models.AgentState, action string, payload any) {
	r.traceEntries = append(r.traceEntries, models.TraceEntry{
		Timestamp: time.Now().UTC(),
		State:     state,
		Action:    action,
		Payload:   payload,
	})
}

func (r *run) step(stepType, content, tool string, args map[string]any, result string) {
	r.reasoningSteps = append(r.reasoningSteps, models.ReasoningStep{
		Type:      stepType,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Tool:      tool,
		Args:      args,
		Result:    result,
	})
}

func (r *run) event(status, message string, details map[string]any) {
	r.emitEvent(models.StepEvent{Status: status, Message: message, Details: details})
}

func (r *run) eventWithPlan(status, message, plan string) {
	r.emitEvent(models.StepEvent{Status: status, Message: message, Plan: plan})
}

func (r *run) emitEvent(event models.StepEvent) {
	if r.emit == nil || r.ctx.Err() != nil {
		return
	}
	r.eventSeq++
	event.Step = r.eventSeq
	event.Timestamp = time.Now().UTC()
	r.emit(event)
}
