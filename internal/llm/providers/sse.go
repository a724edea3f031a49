package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// maxSSELineSize bounds a single SSE data line. Chunks are deltas, so even
// large tool-call payloads stay well under this.
const maxSSELineSize = 1024 * 1024

// chunkRewrite lets an adapter adjust a decoded chunk before delivery.
// OpenRouter uses it for reasoning and refusal passthrough.
type chunkRewrite func(*models.StreamChunk)

// sendSSERequest issues the request and checks the status line. Non-2xx
// responses are drained for their error body and classified.
func sendSSERequest(client *http.Client, req *http.Request, provider, model string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, llm.NewProviderError(provider, model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, llm.NewProviderError(provider, model, fmt.Errorf("request failed: %s", strings.TrimSpace(string(body)))).
			WithStatus(resp.StatusCode)
	}
	return resp, nil
}

// consumeSSE reads `data:` lines from body, decodes each into a canonical
// chunk, and forwards it. Malformed lines are logged and skipped. The
// channel is closed when the stream ends; a transport failure mid-stream is
// delivered as a final chunk with Err set.
func consumeSSE(ctx context.Context, body io.ReadCloser, out chan<- *models.StreamChunk, provider, model string, rewrite chunkRewrite, logger *slog.Logger) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data: "):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			return
		}

		var chunk models.StreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			logger.Warn("skipping malformed chunk", "error", err)
			continue
		}
		if chunk.Model == "" {
			chunk.Model = model
		}
		if rewrite != nil {
			rewrite(&chunk)
		}
		select {
		case out <- &chunk:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errChunk := &models.StreamChunk{
			Model: model,
			Err:   llm.NewProviderError(provider, model, fmt.Errorf("stream read: %w", err)),
		}
		select {
		case out <- errChunk:
		case <-ctx.Done():
		}
	}
}
