package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/trace"
	"github.com/aio-2030/aio-gateway/internal/voice"
)

type fakeSpeech struct {
	text string
	err  error
	got  *voice.Blob
}

func (f *fakeSpeech) Transcribe(_ context.Context, b *voice.Blob) (*TranscribeResult, error) {
	f.got = b
	if f.err != nil {
		return nil, f.err
	}
	return &TranscribeResult{Text: f.text, Endpoint: "fake", Attempts: 1}, nil
}

type fakeReplier struct {
	reply string
	err   error
}

func (f fakeReplier) Respond(_ context.Context, transcript string, onToken TokenCallback) (*Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	if onToken != nil {
		onToken(f.reply)
	}
	return &Reply{Raw: f.reply, Text: f.reply}, nil
}

func pcmBlob() *voice.Blob {
	return &voice.Blob{Data: make([]byte, 3200), MIME: "audio/L16;rate=16000"}
}

func TestVoicePipelineRun(t *testing.T) {
	reg := trace.NewRegistry(trace.RegistryConfig{})
	speech := &fakeSpeech{text: "what time is it"}
	p := NewVoicePipeline(VoiceConfig{
		Speech:  speech,
		Replier: fakeReplier{reply: "noon"},
		Traces:  reg,
	})

	var heard, tokens string
	res, err := p.Run(context.Background(), pcmBlob(), VoiceEvents{
		OnTranscript: func(s string) { heard = s },
		OnToken:      func(s string) { tokens += s },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Transcript != "what time is it" || res.Response != "noon" || res.Conversion != voice.Converted {
		t.Errorf("result = %+v", res)
	}
	if heard != res.Transcript || tokens != "noon" {
		t.Errorf("events: transcript %q tokens %q", heard, tokens)
	}
	if speech.got.MIME != audio.MIMEWAV {
		t.Errorf("transcriber got %q, want converted wav", speech.got.MIME)
	}

	tr, ok := reg.Get(res.TraceID)
	if !ok {
		t.Fatalf("trace %q not registered", res.TraceID)
	}
	if tr.Status != trace.StatusCompleted || len(tr.Calls) != 3 {
		t.Fatalf("trace = %s with %d calls", tr.Status, len(tr.Calls))
	}
	for i, agent := range []string{"converter", "transcriber", "responder"} {
		c := tr.Calls[i]
		if c.Agent != agent || c.Protocol != trace.ProtocolAIO || c.Status != trace.CallOK {
			t.Errorf("call %d = %+v", i+1, c)
		}
	}
	if tr.Calls[0].Type != trace.TypeStdio || tr.Calls[1].Type != trace.TypeHTTP {
		t.Errorf("call types = %s, %s", tr.Calls[0].Type, tr.Calls[1].Type)
	}
}

func TestVoicePipelineTranscribeFailure(t *testing.T) {
	reg := trace.NewRegistry(trace.RegistryConfig{})
	boom := &AllEndpointsFailedError{Attempts: 1, Last: errors.New("down")}
	p := NewVoicePipeline(VoiceConfig{
		Speech:  &fakeSpeech{err: boom},
		Replier: fakeReplier{reply: "unused"},
		Traces:  reg,
	})

	res, err := p.Run(context.Background(), &voice.Blob{Data: []byte("RIFF"), MIME: "audio/wav"}, VoiceEvents{})
	if !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("err = %v", err)
	}
	tr, _ := reg.Get(res.TraceID)
	if tr.Status != trace.StatusError {
		t.Errorf("trace status = %s", tr.Status)
	}
	if tr.Calls[0].Status != trace.CallOK || tr.Calls[1].Status != trace.CallError || tr.Calls[2].Status != trace.CallError {
		t.Errorf("calls = %+v", tr.Calls)
	}
	if res.Conversion != voice.Unchanged {
		t.Errorf("conversion = %v", res.Conversion)
	}
}

func TestVoicePipelineEmptyRecording(t *testing.T) {
	p := NewVoicePipeline(VoiceConfig{Speech: &fakeSpeech{text: "x"}})
	res, err := p.Run(context.Background(), &voice.Blob{MIME: "audio/webm"}, VoiceEvents{})
	if !errors.Is(err, voice.ErrEmptyRecording) || res.Conversion != voice.Failed {
		t.Fatalf("got %v / %v", res.Conversion, err)
	}
	if res.TraceID != "" {
		t.Errorf("trace id %q without a registry", res.TraceID)
	}
}

func TestVoicePipelineWithoutReplier(t *testing.T) {
	reg := trace.NewRegistry(trace.RegistryConfig{})
	p := NewVoicePipeline(VoiceConfig{Speech: &fakeSpeech{text: "just this"}, Traces: reg})
	res, err := p.Run(context.Background(), &voice.Blob{Data: []byte("opus"), MIME: "audio/webm"}, VoiceEvents{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "" || res.Conversion != voice.Relabeled {
		t.Errorf("result = %+v", res)
	}
	tr, _ := reg.Get(res.TraceID)
	if len(tr.Calls) != 2 || tr.Status != trace.StatusCompleted {
		t.Errorf("trace = %s with %d calls", tr.Status, len(tr.Calls))
	}
	if p := tr.Calls[0].Partial; p == nil || !*p {
		t.Error("relabelled conversion should be marked partial")
	}
}
