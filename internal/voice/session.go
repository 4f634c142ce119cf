package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aio-2030/aio-gateway/internal/metrics"
)

// DefaultStopGrace bounds how long Stop waits for the final chunk.
const DefaultStopGrace = 200 * time.Millisecond

// SessionConfig wires a Session to its capture source and preview store.
type SessionConfig struct {
	Source    Source
	Previews  *PreviewStore // optional; without it Process returns no URL
	StopGrace time.Duration
}

// Session is one recorder. At most one recording is active per Session, and
// only the Session mutates its chunk buffer, assembled blob and preview URL.
type Session struct {
	cfg SessionConfig

	mu          sync.Mutex
	gen         uint64
	recording   bool
	capture     Capture
	collected   chan struct{}
	chunks      []Blob
	assembled   *Blob
	playbackURL string
}

// NewSession creates an idle recorder.
func NewSession(cfg SessionConfig) *Session {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Session{cfg: cfg}
}

// Start tears down any previous recording (stopping its capture and revoking
// its preview URL), opens the source and begins collecting chunks.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	prev := s.teardownLocked()
	s.mu.Unlock()
	stopDetached(prev)

	s.mu.Lock()
	defer s.mu.Unlock()
	capture, err := s.cfg.Source.Open(ctx)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	s.gen++
	s.recording = true
	s.capture = capture
	s.collected = make(chan struct{})
	go s.collect(s.gen, capture.Chunks(), s.collected)

	metrics.RecordingsActive.Inc()
	metrics.RecordingsTotal.Inc()
	return nil
}

func (s *Session) collect(gen uint64, ch <-chan Blob, done chan<- struct{}) {
	defer close(done)
	for b := range ch {
		if len(b.Data) == 0 {
			continue
		}
		s.mu.Lock()
		if s.gen == gen {
			s.chunks = append(s.chunks, b)
			metrics.AudioChunks.Inc()
		}
		s.mu.Unlock()
	}
}

// Stop requests a final flush, stops the capture and waits (bounded by the
// grace period and ctx) for the last chunk to arrive. Stopping an idle
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil
	}
	capture, done := s.capture, s.collected
	s.recording = false
	s.capture = nil
	s.mu.Unlock()
	metrics.RecordingsActive.Dec()

	capture.RequestData()
	stopErr := capture.Stop()

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("recording stop grace elapsed before final chunk", "grace", s.cfg.StopGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
	if stopErr != nil {
		return fmt.Errorf("stop capture: %w", stopErr)
	}
	return nil
}

// Process concatenates the captured chunks into one blob typed after the
// first chunk and registers a preview URL for it. It returns
// ErrEmptyRecording (and a nil blob) when nothing was captured.
func (s *Session) Process() (*Blob, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return nil, "", ErrRecordingActive
	}
	if len(s.chunks) == 0 {
		return nil, "", ErrEmptyRecording
	}

	size := 0
	for _, c := range s.chunks {
		size += len(c.Data)
	}
	if size == 0 {
		return nil, "", ErrEmptyRecording
	}

	data := make([]byte, 0, size)
	for _, c := range s.chunks {
		data = append(data, c.Data...)
	}
	mimeType := s.chunks[0].MIME
	if mimeType == "" {
		mimeType = DefaultMIME
	}

	s.revokeLocked()
	s.assembled = &Blob{Data: data, MIME: mimeType}
	if s.cfg.Previews != nil {
		s.playbackURL = s.cfg.Previews.Put(s.assembled)
	}
	return s.assembled, s.playbackURL, nil
}

// Cleanup revokes the preview URL and drops captured audio.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeLocked()
	s.chunks = nil
	s.assembled = nil
}

// Discard cancels an in-flight recording and releases everything it holds.
func (s *Session) Discard(ctx context.Context) error {
	err := s.Stop(ctx)
	s.Cleanup()
	return err
}

// IsRecording reports whether a capture is active.
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// ChunkCount returns how many chunks the current recording holds.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// PlaybackURL returns the live preview URL, or "" if none.
func (s *Session) PlaybackURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackURL
}

// teardownLocked detaches the active capture (returned so the caller can
// stop it without holding mu) and clears the previous recording.
func (s *Session) teardownLocked() Capture {
	var prev Capture
	if s.recording {
		prev = s.capture
		s.recording = false
		s.capture = nil
		metrics.RecordingsActive.Dec()
	}
	s.revokeLocked()
	s.chunks = nil
	s.assembled = nil
	// Chunks still in flight from the old capture are dropped by gen.
	s.gen++
	return prev
}

func stopDetached(c Capture) {
	if c == nil {
		return
	}
	if err := c.Stop(); err != nil {
		slog.Warn("stop previous capture", "error", err)
	}
}

func (s *Session) revokeLocked() {
	if s.playbackURL == "" {
		return
	}
	if s.cfg.Previews != nil && !s.cfg.Previews.Revoke(s.playbackURL) {
		slog.Warn("preview already revoked", "url", s.playbackURL)
	}
	s.playbackURL = ""
}
