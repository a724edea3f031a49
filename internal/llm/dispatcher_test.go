package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

type fakeProvider struct {
	name   string
	models []string
	chunks []*models.StreamChunk
	up     bool
}

func (f *fakeProvider) Stream(ctx context.Context, req *Request) (<-chan *models.StreamChunk, error) {
	out := make(chan *models.StreamChunk, len(f.chunks))
	for _, chunk := range f.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (f *fakeProvider) Name() string              { return f.name }
func (f *fakeProvider) SupportedModels() []string { return f.models }
func (f *fakeProvider) Available() bool           { return f.up }
func (f *fakeProvider) SupportsTools(string) bool { return true }

func textChunk(model, text string) *models.StreamChunk {
	return &models.StreamChunk{
		Model:   model,
		Choices: []models.ChunkChoice{{Delta: models.Delta{Content: text}}},
	}
}

func finishChunk(model, reason string) *models.StreamChunk {
	return &models.StreamChunk{
		Model:   model,
		Choices: []models.ChunkChoice{{FinishReason: &reason}},
	}
}

func TestDispatcherRoutesByMembership(t *testing.T) {
	a := &fakeProvider{name: "github", models: []string{"gpt-4o-mini"}, up: true}
	b := &fakeProvider{name: "ollama", models: []string{"llama3.2"}, up: true}
	d := NewDispatcher(nil, a, b)

	if p, err := d.Resolve("llama3.2"); err != nil || p.Name() != "ollama" {
		t.Errorf("Resolve(llama3.2) = %v, %v; want ollama", p, err)
	}
	if _, err := d.Resolve("missing-model"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Resolve(missing) = %v, want ErrUnknownModel", err)
	}
}

func TestDispatcherResolveUnavailableProvider(t *testing.T) {
	down := &fakeProvider{name: "github", models: []string{"gpt-4o-mini"}, up: false}
	d := NewDispatcher(nil, down)
	_, err := d.Resolve("gpt-4o-mini")
	var provErr *ProviderError
	if !errors.As(err, &provErr) || provErr.Reason != ReasonUnavailable {
		t.Errorf("Resolve = %v, want ProviderError{unavailable}", err)
	}
}

func TestCompleteFoldsContentAndUsage(t *testing.T) {
	chunks := []*models.StreamChunk{
		textChunk("m", "Hello"),
		textChunk("m", ", world"),
		{
			Model:   "m",
			Choices: []models.ChunkChoice{{FinishReason: strPtr(models.FinishStop)}},
			Usage:   &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		},
	}
	p := &fakeProvider{name: "github", models: []string{"m"}, chunks: chunks, up: true}
	d := NewDispatcher(nil, p)

	resp, err := d.Complete(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.Text(); got != "Hello, world" {
		t.Errorf("Text() = %q, want %q", got, "Hello, world")
	}
	if resp.FinishReason() != models.FinishStop {
		t.Errorf("FinishReason() = %q, want stop", resp.FinishReason())
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v, want total 5", resp.Usage)
	}
}

func TestCompleteMergesToolCallFragmentsByIndex(t *testing.T) {
	chunks := []*models.StreamChunk{
		{Model: "m", Choices: []models.ChunkChoice{{Delta: models.Delta{ToolCalls: []models.ToolCallDelta{
			{Index: 0, ID: "call_a", Type: "function", Function: models.FunctionDelta{Name: "searchDuckDuckGo", Arguments: `{"que`}},
		}}}}},
		{Model: "m", Choices: []models.ChunkChoice{{Delta: models.Delta{ToolCalls: []models.ToolCallDelta{
			{Index: 1, ID: "call_b", Type: "function", Function: models.FunctionDelta{Name: "fetchWebpage", Arguments: `{"url":"x"}`}},
			{Index: 0, Function: models.FunctionDelta{Arguments: `ry":"cats"}`}},
		}}}}},
		finishChunk("m", models.FinishToolCalls),
	}
	p := &fakeProvider{name: "github", models: []string{"m"}, chunks: chunks, up: true}
	d := NewDispatcher(nil, p)

	resp, err := d.Complete(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Arguments) != `{"query":"cats"}` {
		t.Errorf("call 0 = %s %s, want merged arguments", calls[0].ID, calls[0].Arguments)
	}
	if calls[1].Name != "fetchWebpage" {
		t.Errorf("call 1 name = %q, want fetchWebpage", calls[1].Name)
	}
	if resp.FinishReason() != models.FinishToolCalls {
		t.Errorf("FinishReason() = %q, want tool_calls", resp.FinishReason())
	}
}

func TestCompleteFoldIsDeterministic(t *testing.T) {
	build := func() []*models.StreamChunk {
		return []*models.StreamChunk{
			textChunk("m", "a"),
			textChunk("m", "b"),
			finishChunk("m", models.FinishStop),
		}
	}
	p := &fakeProvider{name: "github", models: []string{"m"}, chunks: build(), up: true}
	d := NewDispatcher(nil, p)
	first, err := d.Complete(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	p.chunks = build()
	second, err := d.Complete(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if first.Text() != second.Text() || first.FinishReason() != second.FinishReason() {
		t.Errorf("fold not deterministic: %q/%q vs %q/%q",
			first.Text(), first.FinishReason(), second.Text(), second.FinishReason())
	}
}

func TestCompleteSurfacesMidStreamFailureWithPartialContent(t *testing.T) {
	chunks := []*models.StreamChunk{
		textChunk("m", "partial"),
		{Model: "m", Err: errors.New("connection reset")},
	}
	p := &fakeProvider{name: "github", models: []string{"m"}, chunks: chunks, up: true}
	d := NewDispatcher(nil, p)

	resp, err := d.Complete(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Error == "" {
		t.Error("Error is empty, want stream failure recorded")
	}
	if resp.Text() != "partial" {
		t.Errorf("Text() = %q, want partial content preserved", resp.Text())
	}
	if resp.FinishReason() != models.FinishError {
		t.Errorf("FinishReason() = %q, want error", resp.FinishReason())
	}
}

func strPtr(s string) *string { return &s }
