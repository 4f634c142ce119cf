package trace

import (
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

var traceIDPattern = regexp.MustCompile(`^AIO-TR-\d{8}-\d{4}$`)

type recordingSink struct {
	mu     sync.Mutex
	traces []*Trace
}

func (s *recordingSink) Export(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
}

func fixedClock() func() time.Time {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestCreateTraceID(t *testing.T) {
	r := NewRegistry(RegistryConfig{Now: fixedClock()})
	seen := map[string]bool{}
	for range 200 {
		tr, err := r.CreateTrace()
		if err != nil {
			t.Fatal(err)
		}
		if !traceIDPattern.MatchString(tr.ID) || tr.ID[7:15] != "20250314" {
			t.Fatalf("bad trace id %q", tr.ID)
		}
		if seen[tr.ID] {
			t.Fatalf("duplicate id %q", tr.ID)
		}
		seen[tr.ID] = true
		if tr.Status != StatusActive || len(tr.Calls) != 0 {
			t.Fatalf("new trace = %+v", tr)
		}
	}
}

func TestTraceCompletesWhenCallsResolve(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(RegistryConfig{Sink: sink})
	tr, _ := r.CreateTrace()

	c1, err := r.AddCall(tr.ID, "agent-a", ProtocolAIO, TypeHTTP, "chat", []IO{{Type: "text", Value: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := r.AddCall(tr.ID, "agent-b", ProtocolMCP, TypeMCP, "tools/call", nil)
	if c1.ID != 1 || c2.ID != 2 {
		t.Fatalf("call ids = %d, %d; want 1, 2", c1.ID, c2.ID)
	}

	got, err := r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallOK, Outputs: []IO{{Type: "text", Value: "hello"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive {
		t.Fatalf("trace closed with call 2 pending: %s", got.Status)
	}

	got, _ = r.UpdateCall(tr.ID, 2, CallUpdate{Status: CallOK})
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("trace = %+v, want completed", got)
	}
	if got.Calls[1].Outputs != nil {
		t.Errorf("call 2 outputs = %v, want absent", got.Calls[1].Outputs)
	}
	if len(sink.traces) != 1 || sink.traces[0].ID != tr.ID {
		t.Errorf("sink got %d traces", len(sink.traces))
	}
}

func TestTraceErrorsWhenAnyCallFails(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	tr, _ := r.CreateTrace()
	r.AddCall(tr.ID, "a", ProtocolAIO, TypeStdio, "run", nil)
	r.AddCall(tr.ID, "b", ProtocolAIO, TypeStdio, "run", nil)

	r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallError, Error: "boom"})
	got, _ := r.UpdateCall(tr.ID, 2, CallUpdate{Status: CallOK})
	if got.Status != StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.Calls[0].Error != "boom" {
		t.Errorf("call error = %q", got.Calls[0].Error)
	}
}

func TestAddCallErrors(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	if _, err := r.AddCall("AIO-TR-20250101-0000", "a", ProtocolAIO, TypeHTTP, "m", nil); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("unknown trace: got %v", err)
	}

	tr, _ := r.CreateTrace()
	if _, err := r.AddCall(tr.ID, "a", "grpc", TypeHTTP, "m", nil); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("bad protocol: got %v", err)
	}

	r.AddCall(tr.ID, "a", ProtocolAIO, TypeHTTP, "m", nil)
	r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallOK})
	if _, err := r.AddCall(tr.ID, "a", ProtocolAIO, TypeHTTP, "m", nil); !errors.Is(err, ErrTraceClosed) {
		t.Errorf("closed trace: got %v", err)
	}
}

func TestUpdateCallMisses(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	tr, _ := r.CreateTrace()
	r.AddCall(tr.ID, "a", ProtocolAIO, TypeHTTP, "m", nil)
	r.AddCall(tr.ID, "b", ProtocolAIO, TypeHTTP, "m", nil)

	if _, err := r.UpdateCall("nope", 1, CallUpdate{Status: CallOK}); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("unknown trace: %v", err)
	}
	if _, err := r.UpdateCall(tr.ID, 9, CallUpdate{Status: CallOK}); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("unknown call: %v", err)
	}
	if _, err := r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallPending}); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("pending update: %v", err)
	}
	r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallError, Error: "x"})
	if _, err := r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallOK}); !errors.Is(err, ErrCallResolved) {
		t.Errorf("resolved call: %v", err)
	}

	got, _ := r.Get(tr.ID)
	if got.Calls[0].Status != CallError || got.Status != StatusActive {
		t.Errorf("state changed by rejected update: %+v", got)
	}
}

func TestCompleteTraceAbandonsPending(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(RegistryConfig{Sink: sink})
	tr, _ := r.CreateTrace()
	r.AddCall(tr.ID, "a", ProtocolAIO, TypeHTTP, "m", nil)
	r.AddCall(tr.ID, "b", ProtocolAIO, TypeHTTP, "m", nil)
	r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallOK})

	got, ok := r.CompleteTrace(tr.ID)
	if !ok {
		t.Fatal("CompleteTrace not found")
	}
	if got.Status != StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	c := got.Calls[1]
	if c.Status != CallError || c.Partial == nil || !*c.Partial || c.Error == "" {
		t.Errorf("pending call not abandoned: %+v", c)
	}

	again, _ := r.CompleteTrace(tr.ID)
	if again.Status != StatusError || len(sink.traces) != 1 {
		t.Errorf("second complete changed state or re-exported (%d exports)", len(sink.traces))
	}
	if _, ok := r.CompleteTrace("missing"); ok {
		t.Error("CompleteTrace on unknown id reported ok")
	}
}

func TestCompleteEmptyTrace(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	tr, _ := r.CreateTrace()
	got, _ := r.CompleteTrace(tr.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	tr, _ := r.CreateTrace()
	r.AddCall(tr.ID, "a", ProtocolAIO, TypeHTTP, "m", []IO{{Type: "text", Value: "v"}})

	got, _ := r.Get(tr.ID)
	got.Calls[0].Inputs[0].Value = "mutated"
	again, _ := r.Get(tr.ID)
	if again.Calls[0].Inputs[0].Value != "v" {
		t.Error("Get exposed registry state")
	}
}

func TestListNewestFirst(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{Now: func() time.Time { return now }})
	var ids []string
	for range 5 {
		tr, _ := r.CreateTrace()
		ids = append(ids, tr.ID)
		now = now.Add(time.Second)
	}

	page, total := r.List(2, 1)
	if total != 5 || len(page) != 2 {
		t.Fatalf("List = %d items of %d", len(page), total)
	}
	if page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("page = %s, %s; want %s, %s", page[0].ID, page[1].ID, ids[3], ids[2])
	}
	if rest, _ := r.List(10, 10); len(rest) != 0 {
		t.Errorf("offset past end returned %d", len(rest))
	}
}

func TestPruneKeepsActive(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxTraces: 2})
	done, _ := r.CreateTrace()
	r.CompleteTrace(done.ID)
	active, _ := r.CreateTrace()
	r.CreateTrace()

	if _, ok := r.Get(done.ID); ok {
		t.Error("oldest closed trace should have been pruned")
	}
	if _, ok := r.Get(active.ID); !ok {
		t.Error("active trace was pruned")
	}
}

func TestPrunedIDsAreNotReissued(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxTraces: 2, Now: fixedClock()})
	seen := map[string]bool{}
	for i := range 3000 {
		tr, err := r.CreateTrace()
		if err != nil {
			t.Fatalf("trace %d: %v", i, err)
		}
		if seen[tr.ID] {
			t.Fatalf("trace %d reissued id %s", i, tr.ID)
		}
		seen[tr.ID] = true
		r.CompleteTrace(tr.ID)
	}
	if _, total := r.List(0, 0); total > 2 {
		t.Errorf("registry holds %d traces, want at most 2", total)
	}
}

func TestIDsExhaustedForTheDay(t *testing.T) {
	now := time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryConfig{MaxTraces: 1, Now: func() time.Time { return now }})
	for i := range idSpace {
		tr, err := r.CreateTrace()
		if err != nil {
			t.Fatalf("trace %d: %v", i, err)
		}
		r.CompleteTrace(tr.ID)
	}
	if _, err := r.CreateTrace(); !errors.Is(err, errIDsExhausted) {
		t.Fatalf("err = %v, want errIDsExhausted", err)
	}

	now = now.Add(2 * time.Hour)
	tr, err := r.CreateTrace()
	if err != nil {
		t.Fatalf("next day: %v", err)
	}
	if tr.ID[7:15] != "20250315" {
		t.Errorf("next day id = %s", tr.ID)
	}
}

func TestReset(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	r.CreateTrace()
	r.Reset()
	if _, total := r.List(0, 0); total != 0 {
		t.Errorf("total after reset = %d", total)
	}
}
