package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// ImageGenerator produces an image for a prompt and returns it as a
// data-URI. The backend is an external collaborator.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// MemoryStore is the slice of the persistence layer the memory tools need.
type MemoryStore interface {
	Get(ctx context.Context, userID string) (string, error)
	Update(ctx context.Context, userID, content string) error
}

// Completer folds a model call into a single response; the LLM-backed
// utility tools delegate to it.
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (*models.ChatResponse, error)
}

// Deps carries the collaborators shared by all built-in tools.
type Deps struct {
	Completer  Completer
	Memory     MemoryStore
	Images     ImageGenerator
	HTTPClient *http.Client
}

// BuildOptions selects which tool groups one request gets.
type BuildOptions struct {
	UserID   string
	Model    string
	Search   bool
	Advanced bool
}

// BuildRegistry assembles the per-request registry: image generation is
// always present, search and the advanced set are opt-in. The returned
// Artifacts instance is the request's image side channel.
func BuildRegistry(deps Deps, opts BuildOptions) (*Registry, *Artifacts) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	registry := NewRegistry()
	artifacts := &Artifacts{}

	registry.Register(&generateImageTool{images: deps.Images, artifacts: artifacts})
	if opts.Search {
		registry.Register(&searchTool{client: deps.HTTPClient})
	}
	if opts.Advanced {
		registry.Register(&fetchWebpageTool{client: deps.HTTPClient})
		registry.Register(&saveMemoryTool{memory: deps.Memory, userID: opts.UserID})
		registry.Register(&retrieveMemoryTool{memory: deps.Memory, userID: opts.UserID})
		for _, spec := range llmToolSpecs {
			registry.Register(&llmTool{spec: spec, completer: deps.Completer, model: opts.Model})
		}
	}
	return registry, artifacts
}

// generateImageTool hands the prompt to the image backend and parks the
// result in the artifact slot. The data-URI never enters the transcript;
// models echo large base64 payloads back otherwise.
type generateImageTool struct {
	images    ImageGenerator
	artifacts *Artifacts
}

func (t *generateImageTool) Name() string { return "generateImage" }

func (t *generateImageTool) Description() string {
	return "Generate an image from a text prompt. The image is attached to the response automatically; do not ask for the image data."
}

func (t *generateImageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Description of the image to generate"}
		},
		"required": ["prompt"]
	}`)
}

func (t *generateImageTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.images == nil {
		return nil, errors.New("image generation backend is not configured")
	}
	prompt, _ := args["prompt"].(string)
	dataURI, err := t.images.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	t.artifacts.SetImage(dataURI)
	return map[string]any{"success": true, "message": "image generated and attached to the response"}, nil
}

// searchTool queries the DuckDuckGo instant answer API.
type searchTool struct {
	client *http.Client
}

const searchResultLimit = 5

func (t *searchTool) Name() string { return "searchDuckDuckGo" }

func (t *searchTool) Description() string {
	return "Search the web with DuckDuckGo and return the top results."
}

func (t *searchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"}
		},
		"required": ["query"]
	}`)
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

func (t *searchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	endpoint := "https://api.duckduckgo.com/?" + url.Values{
		"q":       {query},
		"format":  {"json"},
		"no_html": {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var results []map[string]string
	if parsed.AbstractText != "" {
		results = append(results, map[string]string{
			"title":   parsed.Heading,
			"url":     parsed.AbstractURL,
			"snippet": parsed.AbstractText,
		})
	}
	results = append(results, flattenTopics(parsed.RelatedTopics, searchResultLimit-len(results))...)
	return map[string]any{"success": true, "query": query, "results": results}, nil
}

func flattenTopics(topics []ddgTopic, limit int) []map[string]string {
	var out []map[string]string
	for _, topic := range topics {
		if len(out) >= limit {
			break
		}
		if topic.Text != "" && topic.FirstURL != "" {
			out = append(out, map[string]string{
				"title":   topic.Text,
				"url":     topic.FirstURL,
				"snippet": topic.Text,
			})
			continue
		}
		rest := flattenTopics(topic.Topics, limit-len(out))
		out = append(out, rest...)
	}
	return out
}

// fetchWebpageTool downloads a page and returns its visible text.
type fetchWebpageTool struct {
	client *http.Client
}

const fetchBodyLimit = 512 * 1024

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe       = regexp.MustCompile(`\n{3,}`)
	titleRe       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

func (t *fetchWebpageTool) Name() string { return "fetchWebpage" }

func (t *fetchWebpageTool) Description() string {
	return "Fetch a webpage and return its title and text content."
}

func (t *fetchWebpageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http or https URL"}
		},
		"required": ["url"]
	}`)
}

func (t *fetchWebpageTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid url: %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "loom/1.0")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	html := string(body)

	title := ""
	if m := titleRe.FindStringSubmatch(html); len(m) == 2 {
		title = strings.TrimSpace(m[1])
	}
	text := scriptStyleRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.TrimSpace(blankRe.ReplaceAllString(text, "\n\n"))

	return map[string]any{
		"success": true,
		"url":     rawURL,
		"title":   title,
		"content": text,
	}, nil
}

// saveMemoryTool appends a fact to the user's long-term memory.
type saveMemoryTool struct {
	memory MemoryStore
	userID string
}

func (t *saveMemoryTool) Name() string { return "saveMemory" }

func (t *saveMemoryTool) Description() string {
	return "Save a fact about the user or conversation to long-term memory."
}

func (t *saveMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact to remember"}
		},
		"required": ["content"]
	}`)
}

func (t *saveMemoryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.memory == nil {
		return nil, errors.New("memory store is not configured")
	}
	content, _ := args["content"].(string)
	existing, err := t.memory.Get(ctx, t.userID)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	updated := content
	if existing != "" {
		updated = existing + "\n" + content
	}
	if err := t.memory.Update(ctx, t.userID, updated); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	return map[string]any{"success": true, "message": "memory saved"}, nil
}

// retrieveMemoryTool reads the user's long-term memory.
type retrieveMemoryTool struct {
	memory MemoryStore
	userID string
}

func (t *retrieveMemoryTool) Name() string { return "retrieveMemory" }

func (t *retrieveMemoryTool) Description() string {
	return "Retrieve previously saved long-term memory for the user."
}

func (t *retrieveMemoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *retrieveMemoryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.memory == nil {
		return nil, errors.New("memory store is not configured")
	}
	content, err := t.memory.Get(ctx, t.userID)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	if content == "" {
		return map[string]any{"success": true, "memory": "", "message": "no memory stored"}, nil
	}
	return map[string]any{"success": true, "memory": content}, nil
}
