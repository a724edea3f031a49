// Loom is an LLM agent orchestration server: it executes natural-language
// requests as multi-step reasoning plans over a fleet of model backends
// while integrating external tool servers via the Model Context Protocol.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - LLM agent orchestration server",
		Long: `Loom executes natural-language requests as multi-step agent plans over a
fleet of model backends (GitHub/Azure Inference, Gemini, Ollama, NVIDIA NIM,
OpenRouter), with dynamic tool integration via the Model Context Protocol.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
