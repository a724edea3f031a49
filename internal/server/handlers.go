package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, "agent")
		return
	}
	req, ok := s.decodeAgentRequest(w, r)
	if !ok {
		s.metrics.requests.WithLabelValues("agent", "4xx").Inc()
		return
	}

	result := s.opts.Executor.Run(r.Context(), req)
	s.recordAgentRun(result)

	status := statusForResult(result)
	s.metrics.requests.WithLabelValues("agent", statusClass(status)).Inc()
	writeJSON(w, status, result)
}

func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, "agent_stream")
		return
	}
	req, ok := s.decodeAgentRequest(w, r)
	if !ok {
		s.metrics.requests.WithLabelValues("agent_stream", "4xx").Inc()
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The emit callback runs on the request goroutine, so writes to the
	// response never interleave.
	result := s.opts.Executor.RunStream(r.Context(), req, func(event models.StepEvent) {
		writeSSE(w, flusher, event)
	})
	s.recordAgentRun(result)

	if r.Context().Err() == nil {
		writeSSE(w, flusher, map[string]any{"status": "done", "result": result})
	}
	s.metrics.requests.WithLabelValues("agent_stream", "2xx").Inc()
}

// chatRequest is the body of the direct completion endpoints.
type chatRequest struct {
	Model    string                  `json:"model"`
	Messages []models.Message        `json:"messages"`
	Tools    []models.ToolDefinition `json:"tools,omitempty"`
	UserID   string                  `json:"user_id,omitempty"`
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return nil, false
	}
	if err := models.ValidateMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if req.UserID != "" && s.opts.Quota != nil {
		if err := s.opts.Quota.Check(r.Context(), req.UserID, req.Model); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return nil, false
		}
	}
	return &req, true
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, "chat")
		return
	}
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		s.metrics.requests.WithLabelValues("chat", "4xx").Inc()
		return
	}
	s.metrics.modelCalls.WithLabelValues(req.Model).Inc()

	resp, err := s.opts.Dispatcher.Complete(r.Context(), &llm.Request{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		status := statusForProviderError(err)
		s.metrics.requests.WithLabelValues("chat", statusClass(status)).Inc()
		writeError(w, status, err.Error())
		return
	}
	s.recordQuota(r, req)
	s.metrics.requests.WithLabelValues("chat", "2xx").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, "chat_stream")
		return
	}
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		s.metrics.requests.WithLabelValues("chat_stream", "4xx").Inc()
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.metrics.modelCalls.WithLabelValues(req.Model).Inc()

	stream, err := s.opts.Dispatcher.Stream(r.Context(), &llm.Request{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		status := statusForProviderError(err)
		s.metrics.requests.WithLabelValues("chat_stream", statusClass(status)).Inc()
		writeError(w, status, err.Error())
		return
	}
	s.recordQuota(r, req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Err != nil {
			writeSSE(w, flusher, map[string]any{"error": chunk.Err.Error()})
			break
		}
		writeSSE(w, flusher, chunk)
		if r.Context().Err() != nil {
			break
		}
	}
	if r.Context().Err() == nil {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
	s.metrics.requests.WithLabelValues("chat_stream", "2xx").Inc()
}

// recordQuota counts one successful completion against the user's quota.
func (s *Server) recordQuota(r *http.Request, req *chatRequest) {
	if req.UserID == "" || s.opts.Quota == nil {
		return
	}
	if err := s.opts.Quota.Record(r.Context(), req.UserID, req.Model); err != nil {
		s.opts.Logger.Warn("quota record failed", "error", err)
	}
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.MCP == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.MCP.Status())
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if s.opts.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.opts.AdminKey {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID := r.URL.Query().Get("user_id")
	model := r.URL.Query().Get("model")
	if userID == "" || model == "" {
		writeError(w, http.StatusBadRequest, "user_id and model are required")
		return
	}
	if s.opts.Quota == nil {
		writeError(w, http.StatusNotFound, "quota tracking disabled")
		return
	}
	used, err := s.opts.Quota.Usage(r.Context(), userID, model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"model":   model,
		"used":    used,
		"limit":   s.opts.Quota.Limit(model),
	})
}

func (s *Server) decodeAgentRequest(w http.ResponseWriter, r *http.Request) (*models.AgentRequest, bool) {
	var req models.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.Prompt == "" || req.UserID == "" || req.ModelName == "" {
		writeError(w, http.StatusBadRequest, "prompt, user_id and model_name are required")
		return nil, false
	}
	return &req, true
}

func (s *Server) recordAgentRun(result *models.AgentResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	s.metrics.agentRuns.WithLabelValues(outcome).Inc()
	for _, use := range result.ToolsUsed {
		s.metrics.toolCalls.WithLabelValues(use.Name).Inc()
	}
	s.metrics.agentDuration.Observe(result.ExecutionTimeSec)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, endpoint string) {
	s.metrics.requests.WithLabelValues(endpoint, "4xx").Inc()
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func statusForResult(result *models.AgentResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case models.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case models.ErrCodeProviderUnavailable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func statusForProviderError(err error) int {
	if llm.IsRateLimited(err) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
