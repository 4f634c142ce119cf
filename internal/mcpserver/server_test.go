package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/trace"
)

func connect(t *testing.T, cfg Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientT, serverT := mcp.NewInMemoryTransports()

	ss, err := NewServer(cfg).Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		return "", res.IsError
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T", res.Content[0])
	}
	return tc.Text, res.IsError
}

func TestNormalizeToolRecordsCall(t *testing.T) {
	reg := trace.NewRegistry(trace.RegistryConfig{})
	cs := connect(t, Config{Normalizer: normalize.New(normalize.Config{}), Traces: reg})

	text, isErr := callText(t, cs, "create_trace", map[string]any{})
	if isErr {
		t.Fatalf("create_trace failed: %s", text)
	}
	var created CreateTraceOutput
	if err := json.Unmarshal([]byte(text), &created); err != nil || created.TraceID == "" {
		t.Fatalf("create_trace output %q: %v", text, err)
	}

	text, isErr = callText(t, cs, "normalize_response", map[string]any{
		"text":     `{"response":"hi"}`,
		"trace_id": created.TraceID,
	})
	if isErr {
		t.Fatalf("normalize_response failed: %s", text)
	}
	var out NormalizeOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil || out.Response != "hi" {
		t.Fatalf("normalize output %q: %v", text, err)
	}

	tr, _ := reg.Get(created.TraceID)
	if len(tr.Calls) != 1 {
		t.Fatalf("trace has %d calls", len(tr.Calls))
	}
	c := tr.Calls[0]
	if c.Protocol != trace.ProtocolMCP || c.Type != trace.TypeMCP || c.Method != "normalize_response" || c.Status != trace.CallOK {
		t.Errorf("call = %+v", c)
	}
	if tr.Status != trace.StatusCompleted {
		t.Errorf("trace status = %s", tr.Status)
	}
}

func TestGetTraceTool(t *testing.T) {
	reg := trace.NewRegistry(trace.RegistryConfig{})
	tr, _ := reg.CreateTrace()
	cs := connect(t, Config{Normalizer: normalize.New(normalize.Config{}), Traces: reg})

	text, isErr := callText(t, cs, "get_trace", map[string]any{"trace_id": tr.ID})
	if isErr {
		t.Fatalf("get_trace failed: %s", text)
	}
	var got trace.Trace
	if err := json.Unmarshal([]byte(text), &got); err != nil || got.ID != tr.ID || got.Status != trace.StatusActive {
		t.Fatalf("get_trace output %q: %v", text, err)
	}

	if _, isErr := callText(t, cs, "get_trace", map[string]any{"trace_id": "missing"}); !isErr {
		t.Error("unknown trace should be a tool error")
	}
}
