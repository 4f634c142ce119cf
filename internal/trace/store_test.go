package trace

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TRACE_DB_URL")
	if url == "" {
		t.Skip("TRACE_DB_URL not set")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := NewRegistry(RegistryConfig{})
	tr, _ := r.CreateTrace()
	r.AddCall(tr.ID, "transcriber", ProtocolAIO, TypeHTTP, "transcribe", []IO{{Type: "audio", Value: "audio/wav"}})
	r.AddCall(tr.ID, "responder", ProtocolAIO, TypeHTTP, "respond", nil)
	r.UpdateCall(tr.ID, 1, CallUpdate{Status: CallOK, Outputs: []IO{{Type: "text", Value: "hello"}}})
	done, _ := r.CompleteTrace(tr.ID)

	if err := s.SaveTrace(ctx, done); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	got, err := s.GetTrace(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if got.Status != StatusError || len(got.Calls) != 2 {
		t.Fatalf("stored trace = %+v", got)
	}
	if got.Calls[0].Outputs[0].Value != "hello" || got.Calls[1].Outputs != nil {
		t.Errorf("outputs not round-tripped: %+v", got.Calls)
	}
	if got.Calls[1].Partial == nil || !*got.Calls[1].Partial {
		t.Error("partial flag lost")
	}
	if err := s.SaveTrace(ctx, done); !errors.Is(err, ErrTraceExists) {
		t.Errorf("second SaveTrace = %v, want ErrTraceExists", err)
	}

	all, total, err := s.ListTraces(ctx, 0, -5)
	if err != nil {
		t.Fatalf("ListTraces(0, -5): %v", err)
	}
	if len(all) != total || total == 0 {
		t.Errorf("ListTraces(0, -5) returned %d of %d, want all", len(all), total)
	}
}

type funcSaver func(ctx context.Context, t *Trace) error

func (f funcSaver) SaveTrace(ctx context.Context, t *Trace) error { return f(ctx, t) }

func TestAsyncSinkDrainsOnClose(t *testing.T) {
	var saved []string
	var firstLen int
	long := make([]byte, maxIOLen*2)
	for i := range long {
		long[i] = 'a'
	}
	sink := NewAsyncSink(funcSaver(func(_ context.Context, t *Trace) error {
		if len(saved) == 0 {
			firstLen = len(t.Calls[0].Inputs[0].Value)
		}
		saved = append(saved, t.ID)
		return nil
	}))

	tr := &Trace{ID: "AIO-TR-20250101-0001", StartedAt: time.Now(), Calls: []Call{{
		ID: 1, Inputs: []IO{{Type: "text", Value: string(long)}},
	}}}
	sink.Export(tr)
	sink.Export(&Trace{ID: "AIO-TR-20250101-0002", Calls: []Call{{ID: 1, Inputs: []IO{{}}}}})
	sink.Close()

	if len(saved) != 2 {
		t.Fatalf("saved %d traces, want 2", len(saved))
	}
	if firstLen != maxIOLen {
		t.Errorf("saved input length = %d, want %d", firstLen, maxIOLen)
	}
	if len(tr.Calls[0].Inputs[0].Value) != maxIOLen*2 {
		t.Error("export mutated the caller's trace")
	}
}

func TestNilAsyncSink(t *testing.T) {
	var s *AsyncSink
	s.Export(&Trace{})
	s.Close()
}

func TestAsyncSinkExportAfterClose(t *testing.T) {
	sink := NewAsyncSink(funcSaver(func(context.Context, *Trace) error {
		t.Error("nothing should be saved after Close")
		return nil
	}))
	sink.Close()
	sink.Close()
	sink.Export(&Trace{ID: "late"})
}
