package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// fakeTransport answers calls from a scripted method table and records
// every method that actually hit the wire.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	errors    map[string]error
	calls     []string
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]json.RawMessage),
		errors:    make(map[string]error),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	if resp, ok := f.responses[method]; ok {
		return resp, nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

func (f *fakeTransport) wireCalls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func connectedClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	client := newClientWithTransport(ServerSpec{Name: "test", Transport: TransportStdio}, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return client
}

func TestDiscoveryViaSystemMethods(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo","description":"Echo input"}]}`)

	client := connectedClient(t, transport)

	if !client.Supports("tools/call") {
		t.Errorf("Supports(tools/call) = false, want true")
	}
	if client.Supports("resources/read") {
		t.Errorf("Supports(resources/read) = true, want false")
	}
	if n := transport.wireCalls("resources/list"); n != 0 {
		t.Errorf("resources/list wire calls = %d, want 0", n)
	}
}

func TestDiscoveryProbeFallback(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)
	transport.responses["tools/call"] = json.RawMessage(`{"content":[]}`)

	client := connectedClient(t, transport)

	if !client.Supports("tools/list") {
		t.Errorf("Supports(tools/list) = false, want true")
	}
	if client.Supports("prompts/render") {
		t.Errorf("Supports(prompts/render) = true, want false")
	}
	// Every probe method goes out exactly once during discovery, after
	// system/methods itself failed.
	for _, method := range probeMethods {
		if n := transport.wireCalls(method); n == 0 {
			t.Errorf("probe method %s was never sent", method)
		}
	}
}

func TestUnsupportedMethodSkipsWire(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)

	client := connectedClient(t, transport)
	before := transport.wireCalls("system/info")

	result := client.Info(context.Background())
	if result["success"] != false {
		t.Errorf("Info success = %v, want false", result["success"])
	}
	if result["unsupported"] != true {
		t.Errorf("Info unsupported = %v, want true", result["unsupported"])
	}
	if after := transport.wireCalls("system/info"); after != before {
		t.Errorf("system/info hit the wire for a locally gated call")
	}
}

func TestCallToolSuccess(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)
	transport.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"hello"},{"type":"text","text":"world"}]}`)

	client := connectedClient(t, transport)
	result := client.CallTool(context.Background(), "echo", map[string]any{"input": "hi"})

	if result["success"] != true {
		t.Fatalf("CallTool success = %v, want true", result["success"])
	}
	if result["result"] != "hello\nworld" {
		t.Errorf("CallTool result = %q, want %q", result["result"], "hello\nworld")
	}
}

func TestCallToolRPCError(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)
	transport.errors["tools/call"] = &RPCError{Code: CodeInvalidParams, Message: "bad arguments"}

	client := connectedClient(t, transport)
	result := client.CallTool(context.Background(), "echo", nil)

	if result["success"] != false {
		t.Fatalf("CallTool success = %v, want false", result["success"])
	}
	if result["error"] != "bad arguments" {
		t.Errorf("CallTool error = %q, want %q", result["error"], "bad arguments")
	}
	if result["error_code"] != CodeInvalidParams {
		t.Errorf("CallTool error_code = %v, want %d", result["error_code"], CodeInvalidParams)
	}
	if _, ok := result["unsupported"]; ok {
		t.Errorf("unsupported set for a non -32601 error")
	}
}

func TestCallToolTimeoutCode(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"slow"}]}`)
	transport.errors["tools/call"] = &RPCError{Code: CodeTimeout, Message: "request timeout after 30s"}

	client := connectedClient(t, transport)
	result := client.CallTool(context.Background(), "slow", nil)

	if result["error_code"] != CodeTimeout {
		t.Errorf("error_code = %v, want %d", result["error_code"], CodeTimeout)
	}
}

func TestCallToolServerFlaggedError(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)
	transport.responses["tools/call"] = json.RawMessage(`{"content":[{"type":"text","text":"file not found"}],"isError":true}`)

	client := connectedClient(t, transport)
	result := client.CallTool(context.Background(), "echo", nil)

	if result["success"] != false || result["tool_error"] != true {
		t.Fatalf("result = %v, want success=false tool_error=true", result)
	}
	if result["error"] != "file not found" {
		t.Errorf("error = %q, want %q", result["error"], "file not found")
	}
}

func TestCallToolRetroactiveUnsupported(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/list","tools/call"]}`)
	transport.responses["tools/list"] = json.RawMessage(`{"tools":[{"name":"echo"}]}`)
	transport.errors["tools/call"] = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}

	client := connectedClient(t, transport)

	first := client.CallTool(context.Background(), "echo", nil)
	if first["unsupported"] != true {
		t.Fatalf("first call unsupported = %v, want true", first["unsupported"])
	}
	wireBefore := transport.wireCalls("tools/call")

	second := client.CallTool(context.Background(), "echo", nil)
	if second["unsupported"] != true {
		t.Errorf("second call unsupported = %v, want true", second["unsupported"])
	}
	if after := transport.wireCalls("tools/call"); after != wireBefore {
		t.Errorf("tools/call went back to the wire after a -32601")
	}
}

func TestSampleToolFallback(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["system/methods"] = json.RawMessage(`{"methods":["tools/call"]}`)

	client := newClientWithTransport(ServerSpec{Name: "filesystem", Transport: TransportStdio}, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var names []string
	for _, tool := range client.Tools() {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{"list_directory", "read_file", "write_file"}
	if len(names) != len(want) {
		t.Fatalf("fallback tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("fallback tools[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
