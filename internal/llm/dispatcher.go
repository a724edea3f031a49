package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loomhq/loom/pkg/models"
)

// Dispatcher routes completion requests to provider adapters using a static
// model-to-provider membership table built at construction.
type Dispatcher struct {
	providers  map[string]Provider
	membership map[string]string
	logger     *slog.Logger
}

// NewDispatcher builds the membership table from the adapters' configured
// model lists. Registration order is deterministic (sorted by provider name)
// so a duplicated model always resolves the same way.
func NewDispatcher(logger *slog.Logger, providers ...Provider) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		providers:  make(map[string]Provider),
		membership: make(map[string]string),
		logger:     logger.With("component", "dispatcher"),
	}
	sorted := append([]Provider(nil), providers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	for _, p := range sorted {
		d.providers[p.Name()] = p
		for _, model := range p.SupportedModels() {
			d.membership[model] = p.Name()
		}
	}
	return d
}

// Resolve returns the adapter owning the model.
func (d *Dispatcher) Resolve(model string) (Provider, error) {
	tag, ok := d.membership[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	p := d.providers[tag]
	if !p.Available() {
		return nil, &ProviderError{
			Reason:   ReasonUnavailable,
			Provider: tag,
			Model:    model,
			Message:  "provider not configured",
		}
	}
	return p, nil
}

// Models returns the full membership table, model name to provider tag.
func (d *Dispatcher) Models() map[string]string {
	out := make(map[string]string, len(d.membership))
	for model, tag := range d.membership {
		out[model] = tag
	}
	return out
}

// Stream resolves the adapter and forwards its chunk channel unchanged.
func (d *Dispatcher) Stream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error) {
	provider, err := d.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("dispatching stream", "model", req.Model, "provider", provider.Name(), "tools", len(req.Tools))
	return provider.Stream(ctx, req)
}

// Complete consumes the chunk stream and folds it into a single response:
// content fragments concatenate, tool-call deltas merge by index, the
// terminal finish reason and the last usage win. A mid-stream failure
// produces a response carrying the partial content and the error.
func (d *Dispatcher) Complete(ctx context.Context, req *Request) (*models.ChatResponse, error) {
	stream, err := d.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Fold(ctx, stream, req.Model), nil
}

// toolCallAccumulator merges streamed tool-call fragments positioned by
// delta index.
type toolCallAccumulator struct {
	order []int
	calls map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(delta models.ToolCallDelta) {
	call, ok := a.calls[delta.Index]
	if !ok {
		call = &partialCall{}
		a.calls[delta.Index] = call
		a.order = append(a.order, delta.Index)
	}
	if delta.ID != "" {
		call.id = delta.ID
	}
	if delta.Function.Name != "" {
		call.name = delta.Function.Name
	}
	call.args.WriteString(delta.Function.Arguments)
}

func (a *toolCallAccumulator) result() []models.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Ints(a.order)
	out := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.calls[idx]
		args := call.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, models.ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: []byte(args),
		})
	}
	return out
}

// Fold collects a chunk stream into a ChatResponse. The fold is
// deterministic given the same chunk sequence.
func Fold(ctx context.Context, stream <-chan *models.StreamChunk, model string) *models.ChatResponse {
	resp := &models.ChatResponse{
		Object: "chat.completion",
		Model:  model,
	}
	var content strings.Builder
	acc := newToolCallAccumulator()
	finishReason := ""

	for {
		select {
		case <-ctx.Done():
			resp.Error = ctx.Err().Error()
			finalize(resp, content.String(), acc.result(), finishReason)
			return resp
		case chunk, ok := <-stream:
			if !ok {
				finalize(resp, content.String(), acc.result(), finishReason)
				return resp
			}
			if chunk.Err != nil {
				resp.Error = chunk.Err.Error()
				finalize(resp, content.String(), acc.result(), finishReason)
				return resp
			}
			if chunk.ID != "" {
				resp.ID = chunk.ID
			}
			if chunk.Created != 0 {
				resp.Created = chunk.Created
			}
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			if chunk.Usage != nil {
				resp.Usage = chunk.Usage
			}
			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				content.WriteString(choice.Delta.Content)
				for _, tc := range choice.Delta.ToolCalls {
					acc.add(tc)
				}
				if choice.FinishReason != nil {
					finishReason = *choice.FinishReason
				}
			}
		}
	}
}

func finalize(resp *models.ChatResponse, content string, toolCalls []models.ToolCall, finishReason string) {
	if resp.Error != "" && finishReason == "" {
		finishReason = models.FinishError
	}
	resp.Choices = []models.ResponseChoice{{
		Index: 0,
		Message: models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: finishReason,
	}}
}
