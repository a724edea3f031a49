package mcp

import (
	"context"
	"encoding/json"
	"os/exec"
	"runtime"
)

// Transport is the wire layer of one MCP session. Call returns the RPC
// result or an *RPCError for protocol-level failures; other errors are
// transport failures.
type Transport interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Connected() bool
	Close() error
}

// NewTransport builds the transport named by the spec.
func NewTransport(spec ServerSpec) Transport {
	switch spec.Transport {
	case TransportHTTPSSE:
		return newHTTPTransport(spec)
	case TransportWebSocket:
		return newWSTransport(spec)
	default:
		return newStdioTransport(spec)
	}
}

// wrapperCommands are launchers that on Windows exist only as .cmd or .exe
// shims; shells resolve the extension, exec does not.
var wrapperCommands = map[string]bool{
	"npm":  true,
	"npx":  true,
	"uv":   true,
	"uvx":  true,
	"node": true,
}

// resolveCommand maps a bare launcher name to its platform executable. On
// Windows it searches PATH for the .cmd and .exe variants before falling
// back to the bare name.
func resolveCommand(command string) string {
	if runtime.GOOS != "windows" || !wrapperCommands[command] {
		return command
	}
	for _, candidate := range []string{command + ".cmd", command + ".exe"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return command
}
