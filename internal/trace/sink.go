package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	maxIOLen    = 500
	sinkBuffer  = 64
	saveTimeout = 5 * time.Second
)

// Saver persists a closed trace.
type Saver interface {
	SaveTrace(ctx context.Context, t *Trace) error
}

// AsyncSink writes closed traces to a Saver from a single background
// goroutine. A nil *AsyncSink drops everything.
type AsyncSink struct {
	saver Saver
	ch    chan *Trace
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the writer. Close must be called to flush it.
func NewAsyncSink(saver Saver) *AsyncSink {
	s := &AsyncSink{
		saver: saver,
		ch:    make(chan *Trace, sinkBuffer),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for t := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := s.saver.SaveTrace(ctx, truncateIO(t)); err != nil {
			slog.Warn("trace write failed", "trace_id", t.ID, "error", err)
		}
		cancel()
	}
}

// Export queues t. It does not block when the buffer is full; the trace is
// dropped with a warning instead. Traces exported after Close are dropped.
func (s *AsyncSink) Export(t *Trace) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		slog.Warn("trace sink closed, dropping trace", "trace_id", t.ID)
		return
	}
	select {
	case s.ch <- t:
	default:
		slog.Warn("trace sink full, dropping trace", "trace_id", t.ID)
	}
}

// Close drains pending writes and stops the writer.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

func truncateIO(t *Trace) *Trace {
	c := t.clone()
	for i := range c.Calls {
		for j := range c.Calls[i].Inputs {
			c.Calls[i].Inputs[j].Value = truncate(c.Calls[i].Inputs[j].Value, maxIOLen)
		}
		for j := range c.Calls[i].Outputs {
			c.Calls[i].Outputs[j].Value = truncate(c.Calls[i].Outputs[j].Value, maxIOLen)
		}
	}
	return c
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
