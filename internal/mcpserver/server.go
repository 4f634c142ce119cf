// Package mcpserver exposes the normalizer and trace registry as MCP tools
// over the streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aio-2030/aio-gateway/internal/normalize"
	"github.com/aio-2030/aio-gateway/internal/trace"
)

const agentName = "aio-gateway"

type Config struct {
	Version    string
	Normalizer *normalize.Normalizer
	Traces     *trace.Registry
}

type NormalizeInput struct {
	Text    string `json:"text" jsonschema:"raw model output to normalize"`
	TraceID string `json:"trace_id,omitempty" jsonschema:"optional trace to record this call on"`
}

type NormalizeOutput struct {
	Response string `json:"response"`
}

type CreateTraceInput struct{}

type CreateTraceOutput struct {
	TraceID string `json:"trace_id"`
}

type GetTraceInput struct {
	TraceID string `json:"trace_id" jsonschema:"id of the trace to fetch"`
}

// NewServer builds the MCP server with its tools registered.
func NewServer(cfg Config) *mcp.Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: agentName, Version: cfg.Version}, nil)
	t := &tools{cfg: cfg}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "normalize_response",
		Description: "Extract the reply text from raw language model output (JSON envelopes, markdown sections, near-JSON).",
	}, t.normalize)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_trace",
		Description: "Open a new AIO protocol trace and return its id.",
	}, t.createTrace)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_trace",
		Description: "Fetch an AIO protocol trace with all of its calls.",
	}, t.getTrace)
	return server
}

// Handler serves server over streamable HTTP.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}

type tools struct {
	cfg Config
}

func (t *tools) normalize(ctx context.Context, req *mcp.CallToolRequest, in NormalizeInput) (*mcp.CallToolResult, NormalizeOutput, error) {
	rec := t.record(in.TraceID, "normalize_response", trace.IO{Type: "text", Value: in.Text})
	out := NormalizeOutput{Response: t.cfg.Normalizer.GetResponseContent(in.Text)}
	rec.done(trace.IO{Type: "text", Value: out.Response})
	return textResult(out), out, nil
}

func (t *tools) createTrace(ctx context.Context, req *mcp.CallToolRequest, _ CreateTraceInput) (*mcp.CallToolResult, CreateTraceOutput, error) {
	tr, err := t.cfg.Traces.CreateTrace()
	if err != nil {
		return nil, CreateTraceOutput{}, err
	}
	out := CreateTraceOutput{TraceID: tr.ID}
	return textResult(out), out, nil
}

// getTrace declares no output schema: the trace carries timestamps the
// schema inference cannot describe.
func (t *tools) getTrace(ctx context.Context, req *mcp.CallToolRequest, in GetTraceInput) (*mcp.CallToolResult, any, error) {
	tr, ok := t.cfg.Traces.Get(in.TraceID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", trace.ErrTraceNotFound, in.TraceID)
	}
	return textResult(tr), tr, nil
}

func textResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
}

// toolCall is a tool invocation recorded on a caller-supplied trace. The
// zero value records nothing.
type toolCall struct {
	reg     *trace.Registry
	traceID string
	callID  int
}

func (t *tools) record(traceID, method string, input trace.IO) toolCall {
	if traceID == "" || t.cfg.Traces == nil {
		return toolCall{}
	}
	c, err := t.cfg.Traces.AddCall(traceID, agentName, trace.ProtocolMCP, trace.TypeMCP, method, []trace.IO{input})
	if err != nil {
		slog.Warn("record mcp call", "trace_id", traceID, "method", method, "error", err)
		return toolCall{}
	}
	return toolCall{reg: t.cfg.Traces, traceID: traceID, callID: c.ID}
}

// done resolves the call as ok.
func (c toolCall) done(outputs ...trace.IO) {
	if c.reg == nil {
		return
	}
	u := trace.CallUpdate{Status: trace.CallOK, Outputs: outputs}
	if _, err := c.reg.UpdateCall(c.traceID, c.callID, u); err != nil {
		slog.Warn("resolve mcp call", "trace_id", c.traceID, "error", err)
	}
}
