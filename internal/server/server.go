// Package server exposes the HTTP surface: agent invocation, direct chat
// completions, SSE streaming, health and admin endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/quota"
)

// MCPStatus reports session health for the status endpoint.
type MCPStatus interface {
	Status() map[string]any
}

// Options wires the server's collaborators.
type Options struct {
	Addr       string
	Executor   *agent.Executor
	Dispatcher *llm.Dispatcher
	Quota      *quota.Gate
	MCP        MCPStatus
	AdminKey   string
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	opts    Options
	httpSrv *http.Server
	metrics *metrics
	logger  *slog.Logger
}

// New builds the server and its route table.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "server")
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		opts:    opts,
		metrics: newMetrics(registry),
		logger:  opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/agent/", s.handleAgent)
	mux.HandleFunc("/agent/stream", s.handleAgentStream)
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/chat/stream", s.handleChatStream)
	mux.HandleFunc("/mcp/status", s.handleMCPStatus)
	mux.HandleFunc("/admin/usage", s.handleAdminUsage)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server draining")
	return s.httpSrv.Shutdown(shutdownCtx)
}
