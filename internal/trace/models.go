package trace

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusError }

type CallStatus string

const (
	CallPending CallStatus = "pending"
	CallOK      CallStatus = "ok"
	CallError   CallStatus = "error"
)

// Protocol is the wire family a call belongs to.
type Protocol string

const (
	ProtocolAIO Protocol = "aio"
	ProtocolMCP Protocol = "mcp"
)

// CallType is the transport a call went over.
type CallType string

const (
	TypeStdio CallType = "stdio"
	TypeHTTP  CallType = "http"
	TypeMCP   CallType = "mcp"
)

func (p Protocol) Valid() bool { return p == ProtocolAIO || p == ProtocolMCP }

func (t CallType) Valid() bool { return t == TypeStdio || t == TypeHTTP || t == TypeMCP }

// IO is one typed input or output value of a call.
type IO struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Call is one request made while serving a trace. IDs are 1-based and dense.
type Call struct {
	ID       int        `json:"id"`
	Protocol Protocol   `json:"protocol"`
	Type     CallType   `json:"type"`
	Agent    string     `json:"agent"`
	Method   string     `json:"method"`
	Inputs   []IO       `json:"inputs"`
	Outputs  []IO       `json:"outputs,omitempty"`
	Status   CallStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	Partial  *bool      `json:"partial,omitempty"`
}

// Trace is one logical multi-call interaction.
type Trace struct {
	ID          string     `json:"trace_id"`
	Calls       []Call     `json:"calls"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a deep copy safe to hand out of the registry.
func (t *Trace) clone() *Trace {
	c := *t
	c.Calls = make([]Call, len(t.Calls))
	for i, call := range t.Calls {
		call.Inputs = append([]IO(nil), call.Inputs...)
		if call.Outputs != nil {
			call.Outputs = append([]IO{}, call.Outputs...)
		}
		if call.Partial != nil {
			p := *call.Partial
			call.Partial = &p
		}
		c.Calls[i] = call
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
