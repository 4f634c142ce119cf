package voice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aio-2030/aio-gateway/internal/audio"
)

// DefaultSlice is the capture tick: sources emit a chunk at least this often
// so data is available incrementally.
const DefaultSlice = 100 * time.Millisecond

// Source is a capture capability. Open is the microphone-access step and
// fails with ErrPermissionDenied or ErrNotSupported.
type Source interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is an open capture stream.
type Capture interface {
	// Chunks delivers captured data in order. Closed after Stop once the
	// last chunk has been sent.
	Chunks() <-chan Blob
	// RequestData asks the capture to emit whatever it holds now.
	RequestData()
	// Stop ends capture and releases the underlying device.
	Stop() error
}

var errCaptureStopped = errors.New("voice: capture stopped")

// --- push source ---

// PushSource is fed by a remote recorder (a browser streaming MediaRecorder
// slices over a WebSocket). Each Push becomes one chunk of the open capture.
type PushSource struct {
	mime string

	mu  sync.Mutex
	cur *pushCapture
}

// NewPushSource creates a source whose chunks are labelled mimeType.
func NewPushSource(mimeType string) *PushSource {
	return &PushSource{mime: mimeType}
}

// Open starts a new capture; non-audio MIME types are not supported.
func (s *PushSource) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mime != "" && !strings.HasPrefix(strings.ToLower(s.mime), "audio/") {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, s.mime)
	}
	c := &pushCapture{mime: s.mime, ch: make(chan Blob, 64)}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	return c, nil
}

// Push appends data to the open capture.
func (s *PushSource) Push(data []byte) error {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		return errCaptureStopped
	}
	return c.push(data)
}

type pushCapture struct {
	mime   string
	ch     chan Blob
	mu     sync.Mutex
	closed bool
}

func (c *pushCapture) Chunks() <-chan Blob { return c.ch }

// RequestData is a no-op: the remote side flushes its own final slice
// before it asks to stop.
func (c *pushCapture) RequestData() {}

func (c *pushCapture) push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errCaptureStopped
	}
	c.ch <- Blob{Data: data, MIME: c.mime}
	return nil
}

func (c *pushCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

// --- file source ---

// FileSource replays a local audio file as if it were being recorded: the
// bytes are emitted in Slice-sized pieces (block aligned for WAV). A zero
// Slice emits everything at once.
type FileSource struct {
	Path  string
	MIME  string
	Slice time.Duration
}

// Open reads the file. Unreadable files map to ErrPermissionDenied, missing
// ones to ErrNotSupported (there is no device to capture from).
func (s FileSource) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	case err != nil:
		return nil, fmt.Errorf("open capture file: %w", err)
	}

	mimeType := s.MIME
	if mimeType == "" {
		mimeType = MIMEFromPath(s.Path)
	}
	c := &fileCapture{
		data:  data,
		mime:  mimeType,
		size:  sliceBytes(data, mimeType, s.Slice),
		ch:    make(chan Blob, 16),
		flush: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go c.run(s.Slice)
	return c, nil
}

// MIMEFromPath guesses an audio MIME type from a file extension.
func MIMEFromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav":
		return audio.MIMEWAV
	case ".mp3":
		return audio.MIMEMP3
	case ".pcm", ".raw":
		return "audio/L16"
	case ".ulaw", ".mulaw":
		return "audio/PCMU"
	case ".alaw":
		return "audio/PCMA"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return DefaultMIME
}

const defaultSliceBytes = 4096

func sliceBytes(data []byte, mimeType string, slice time.Duration) int {
	if slice <= 0 {
		return len(data)
	}
	if !audio.IsWAV(mimeType) {
		return defaultSliceBytes
	}
	info, err := audio.ReadWAVInfo(data)
	if err != nil || info.ByteRate == 0 {
		return defaultSliceBytes
	}
	block := max(1, info.Channels*info.BitDepth/8)
	n := int(float64(info.ByteRate)*slice.Seconds()) / block * block
	return max(block, n)
}

type fileCapture struct {
	data  []byte
	mime  string
	size  int
	off   int
	ch    chan Blob
	flush chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func (c *fileCapture) Chunks() <-chan Blob { return c.ch }

func (c *fileCapture) RequestData() {
	select {
	case c.flush <- struct{}{}:
	default:
	}
}

func (c *fileCapture) Stop() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *fileCapture) run(slice time.Duration) {
	defer close(c.ch)

	var tick <-chan time.Time
	if slice > 0 {
		ticker := time.NewTicker(slice)
		defer ticker.Stop()
		tick = ticker.C
	} else {
		c.emit()
	}

	for {
		select {
		case <-c.flush:
			c.emit()
		case <-tick:
			c.emit()
		case <-c.stop:
			// A flush requested just before Stop still gets its chunk.
			select {
			case <-c.flush:
				c.emit()
			default:
			}
			return
		}
	}
}

func (c *fileCapture) emit() {
	if c.off >= len(c.data) {
		return
	}
	end := min(c.off+c.size, len(c.data))
	c.ch <- Blob{Data: c.data[c.off:end], MIME: c.mime}
	c.off = end
}
