package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWireNameRoundTrip(t *testing.T) {
	tests := []struct {
		server, tool string
		wire         string
	}{
		{"filesystem", "read_file", "mcp_filesystem_read_file"},
		{"github", "search_repositories", "mcp_github_search_repositories"},
		{"db", "query", "mcp_db_query"},
	}
	for _, tt := range tests {
		if got := WireName(tt.server, tt.tool); got != tt.wire {
			t.Errorf("WireName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.wire)
		}
		key, ok := RestoreKey(tt.wire)
		if !ok {
			t.Errorf("RestoreKey(%q) not ok", tt.wire)
			continue
		}
		if want := tt.server + ":" + tt.tool; key != want {
			t.Errorf("RestoreKey(%q) = %q, want %q", tt.wire, key, want)
		}
	}
}

func TestRestoreKeyRejectsNonMCPNames(t *testing.T) {
	for _, name := range []string{"fetchWebpage", "mcp_", "mcp_serveronly", ""} {
		if key, ok := RestoreKey(name); ok {
			t.Errorf("RestoreKey(%q) = %q, ok, want not ok", name, key)
		}
	}
}

func TestManagerCallToolRouting(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo","description":"Echo input"}]}`)
	transport.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"pong"}]}`)

	client := newClientWithTransport(ServerSpec{Name: "ping", Transport: TransportStdio}, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	manager := NewManager("unused.json")
	manager.clients["ping"] = client

	result := manager.CallTool(context.Background(), "ping:echo", map[string]any{"input": "hi"})
	if result["success"] != true || result["result"] != "pong" {
		t.Errorf("CallTool result = %v, want success with pong", result)
	}

	result = manager.CallTool(context.Background(), "missing:echo", nil)
	if result["success"] != false {
		t.Errorf("unknown server success = %v, want false", result["success"])
	}

	result = manager.CallTool(context.Background(), "noseparator", nil)
	if result["success"] != false {
		t.Errorf("malformed key success = %v, want false", result["success"])
	}
}

func TestManagerToolDefinitionsNamespaced(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo","description":"Echo input","inputSchema":{"type":"object","properties":{"input":{"type":"string"}}}}]}`)

	client := newClientWithTransport(ServerSpec{Name: "ping", Transport: TransportStdio}, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	manager := NewManager("unused.json")
	manager.clients["ping"] = client

	defs := manager.ToolDefinitions()
	if len(defs) != 1 {
		t.Fatalf("len(defs) = %d, want 1", len(defs))
	}
	if defs[0].Name != "mcp_ping_echo" {
		t.Errorf("defs[0].Name = %q, want %q", defs[0].Name, "mcp_ping_echo")
	}
	if defs[0].Description != "[ping] Echo input" {
		t.Errorf("defs[0].Description = %q", defs[0].Description)
	}
	if len(defs[0].Parameters) == 0 {
		t.Errorf("defs[0].Parameters is empty")
	}
}

func TestLoadFileWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mcp.json")

	file, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("default file not written: %v", statErr)
	}
	if len(file.MCPServers) == 0 {
		t.Fatalf("default file has no server templates")
	}
	for name, spec := range file.MCPServers {
		if spec.Enabled {
			t.Errorf("template server %s is enabled, want disabled", name)
		}
		if spec.Name != name {
			t.Errorf("spec.Name = %q, want %q", spec.Name, name)
		}
		if spec.Timeout == 0 {
			t.Errorf("template server %s has no timeout default", name)
		}
	}
	if specs := file.EnabledSpecs(); len(specs) != 0 {
		t.Errorf("EnabledSpecs() = %d entries, want 0", len(specs))
	}
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	raw := `{"mcpServers":{"beta":{"command":"beta-server","enabled":true},"alpha":{"command":"alpha-server","enabled":true}},"settings":{"default_timeout":15}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	file, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	specs := file.EnabledSpecs()
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "beta" {
		t.Errorf("spec order = %s, %s, want alpha, beta", specs[0].Name, specs[1].Name)
	}
	for _, spec := range specs {
		if spec.Transport != TransportStdio {
			t.Errorf("%s transport = %q, want stdio", spec.Name, spec.Transport)
		}
		if spec.Timeout != 15 {
			t.Errorf("%s timeout = %d, want 15", spec.Name, spec.Timeout)
		}
	}
}
