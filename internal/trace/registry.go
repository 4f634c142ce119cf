// Package trace records AIO protocol traces: a trace is opened, calls are
// added and resolved, and the trace closes itself once nothing is pending.
// The Registry holds live traces in memory; closed traces can be exported to
// a Sink for persistence.
package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/aio-2030/aio-gateway/internal/metrics"
)

var (
	ErrTraceNotFound = errors.New("trace not found")
	ErrCallNotFound  = errors.New("call not found")
	ErrTraceClosed   = errors.New("trace is closed")
	ErrCallResolved  = errors.New("call already resolved")
	ErrInvalidCall   = errors.New("invalid call")
	ErrTraceExists   = errors.New("trace already stored")
	errIDsExhausted  = errors.New("no trace ids left for today")
)

const (
	DefaultMaxTraces = 1000
	idSpace          = 10000
	abandonedMessage = "abandoned: trace completed while call was pending"
)

// Sink receives every trace once it reaches a terminal status.
type Sink interface {
	Export(t *Trace)
}

type RegistryConfig struct {
	// MaxTraces bounds memory; the oldest closed traces are dropped first.
	MaxTraces int
	Sink      Sink
	Now       func() time.Time
}

// Registry is the process-wide trace map. It is safe for concurrent use and
// hands out copies, never its own records.
type Registry struct {
	cfg RegistryConfig

	mu     sync.Mutex
	traces map[string]*Trace

	// issued holds every id handed out on issuedDay, pruned or not, so a
	// dropped trace's id is never reused for another trace that same day.
	issuedDay string
	issued    map[int]struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = DefaultMaxTraces
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{cfg: cfg, traces: make(map[string]*Trace)}
}

// CreateTrace opens an active trace with a fresh AIO-TR-<yyyymmdd>-<nnnn> id.
func (r *Registry) CreateTrace() (*Trace, error) {
	now := r.cfg.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.newIDLocked(now)
	if err != nil {
		return nil, err
	}
	r.pruneLocked()
	t := &Trace{ID: id, Calls: []Call{}, Status: StatusActive, StartedAt: now}
	r.traces[id] = t
	metrics.TracesActive.Inc()
	return t.clone(), nil
}

func (r *Registry) newIDLocked(now time.Time) (string, error) {
	day := now.Format("20060102")
	if day != r.issuedDay {
		r.issuedDay = day
		r.issued = make(map[int]struct{})
	}
	if len(r.issued) >= idSpace {
		return "", errIDsExhausted
	}
	start := rand.IntN(idSpace)
	for i := range idSpace {
		n := (start + i) % idSpace
		if _, taken := r.issued[n]; taken {
			continue
		}
		r.issued[n] = struct{}{}
		return fmt.Sprintf("AIO-TR-%s-%04d", day, n), nil
	}
	return "", errIDsExhausted
}

// pruneLocked drops the oldest closed traces once the registry is full.
// Active traces are never dropped.
func (r *Registry) pruneLocked() {
	if len(r.traces) < r.cfg.MaxTraces {
		return
	}
	var closed []*Trace
	for _, t := range r.traces {
		if t.Status.Terminal() {
			closed = append(closed, t)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].StartedAt.Before(closed[j].StartedAt) })
	for _, t := range closed {
		if len(r.traces) < r.cfg.MaxTraces {
			break
		}
		delete(r.traces, t.ID)
	}
}

// AddCall appends a pending call. The call id is one past the last.
func (r *Registry) AddCall(traceID, agent string, protocol Protocol, typ CallType, method string, inputs []IO) (*Call, error) {
	if !protocol.Valid() || !typ.Valid() {
		return nil, fmt.Errorf("%w: protocol %q type %q", ErrInvalidCall, protocol, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.traces[traceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTraceClosed, traceID, t.Status)
	}
	if inputs == nil {
		inputs = []IO{}
	}
	call := Call{
		ID:       len(t.Calls) + 1,
		Protocol: protocol,
		Type:     typ,
		Agent:    agent,
		Method:   method,
		Inputs:   append([]IO(nil), inputs...),
		Status:   CallPending,
	}
	t.Calls = append(t.Calls, call)
	return &call, nil
}

// CallUpdate resolves a pending call. Status must be ok or error.
type CallUpdate struct {
	Outputs []IO       `json:"outputs,omitempty"`
	Status  CallStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
	Partial *bool      `json:"partial,omitempty"`
}

// UpdateCall resolves a call and closes the trace when no call is left
// pending. Unknown traces or calls and already resolved calls are logged and
// reported without changing anything.
func (r *Registry) UpdateCall(traceID string, callID int, u CallUpdate) (*Trace, error) {
	if u.Status != CallOK && u.Status != CallError {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidCall, u.Status)
	}

	r.mu.Lock()
	t, ok := r.traces[traceID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("update call on unknown trace", "trace_id", traceID, "call_id", callID)
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if callID < 1 || callID > len(t.Calls) {
		r.mu.Unlock()
		slog.Warn("update unknown call", "trace_id", traceID, "call_id", callID)
		return nil, fmt.Errorf("%w: %s/%d", ErrCallNotFound, traceID, callID)
	}
	call := &t.Calls[callID-1]
	if call.Status != CallPending {
		r.mu.Unlock()
		slog.Warn("update resolved call", "trace_id", traceID, "call_id", callID, "status", call.Status)
		return nil, fmt.Errorf("%w: %s/%d", ErrCallResolved, traceID, callID)
	}

	call.Status = u.Status
	call.Error = u.Error
	call.Partial = u.Partial
	if u.Outputs != nil {
		call.Outputs = append([]IO{}, u.Outputs...)
	}

	finished := false
	if !hasPending(t) {
		r.finalizeLocked(t)
		finished = true
	}
	snap := t.clone()
	r.mu.Unlock()

	if finished {
		r.export(snap)
	}
	return snap, nil
}

// CompleteTrace force-closes a trace. Calls still pending are resolved as
// abandoned errors first. Completing a closed trace returns it unchanged.
func (r *Registry) CompleteTrace(traceID string) (*Trace, bool) {
	r.mu.Lock()
	t, ok := r.traces[traceID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if t.Status.Terminal() {
		snap := t.clone()
		r.mu.Unlock()
		return snap, true
	}
	partial := true
	for i := range t.Calls {
		if t.Calls[i].Status == CallPending {
			t.Calls[i].Status = CallError
			t.Calls[i].Error = abandonedMessage
			p := partial
			t.Calls[i].Partial = &p
		}
	}
	r.finalizeLocked(t)
	snap := t.clone()
	r.mu.Unlock()

	r.export(snap)
	return snap, true
}

func hasPending(t *Trace) bool {
	for _, c := range t.Calls {
		if c.Status == CallPending {
			return true
		}
	}
	return false
}

func (r *Registry) finalizeLocked(t *Trace) {
	t.Status = StatusCompleted
	for _, c := range t.Calls {
		if c.Status == CallError {
			t.Status = StatusError
			break
		}
	}
	now := r.cfg.Now().UTC()
	t.CompletedAt = &now
	metrics.TracesActive.Dec()
	metrics.TracesFinished.WithLabelValues(string(t.Status)).Inc()
}

func (r *Registry) export(t *Trace) {
	if r.cfg.Sink != nil {
		r.cfg.Sink.Export(t)
	}
}

func (r *Registry) Get(traceID string) (*Trace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[traceID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// List returns traces newest first along with the total count.
func (r *Registry) List(limit, offset int) ([]*Trace, int) {
	r.mu.Lock()
	all := make([]*Trace, 0, len(r.traces))
	for _, t := range r.traces {
		all = append(all, t.clone())
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	total := len(all)
	if offset >= total {
		return []*Trace{}, total
	}
	all = all[max(offset, 0):]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total
}

// Reset forgets every trace.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = make(map[string]*Trace)
	metrics.TracesActive.Set(0)
}
