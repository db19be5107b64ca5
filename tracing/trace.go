// Package tracing records per-request spans (generator calls, tool calls,
// retrieval, rerank, generation) and keeps the most recent traces in memory.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RoboMaroof/ragserver/agent"
)

// Span is one timed operation within a trace. Events have zero duration.
type Span struct {
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace collects the spans of one answer request.
type Trace struct {
	mu         sync.Mutex
	TraceID    string    `json:"trace_id"`
	Mode       string    `json:"mode"` // "rag" or "agent"
	Model      string    `json:"model"`
	Method     string    `json:"method"` // "invoke", "stream" or "ws"
	Question   string    `json:"question"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs float64   `json:"duration_ms"`
	Spans      []Span    `json:"spans"`
	Error      string    `json:"error,omitempty"`
}

var _ agent.TraceRecorder = (*Trace)(nil)

// NewTrace starts a trace.
func NewTrace(mode, model, method, question string) *Trace {
	return &Trace{
		TraceID:   uuid.NewString(),
		Mode:      mode,
		Model:     model,
		Method:    method,
		Question:  question,
		StartTime: time.Now(),
		Spans:     []Span{},
	}
}

type spanRecorder struct {
	trace *Trace
	span  Span
}

var _ agent.SpanHandle = (*spanRecorder)(nil)

// StartSpan begins a timed span.
func (t *Trace) StartSpan(name string) agent.SpanHandle {
	return &spanRecorder{
		trace: t,
		span:  Span{Name: name, StartTime: time.Now(), Metadata: map[string]any{}},
	}
}

// RecordEvent records an instantaneous event.
func (t *Trace) RecordEvent(name string, metadata map[string]any) {
	now := time.Now()
	t.addSpan(Span{Name: name, StartTime: now, EndTime: now, Metadata: metadata})
}

func (sr *spanRecorder) Set(key string, value any) agent.SpanHandle {
	sr.span.Metadata[key] = value
	return sr
}

func (sr *spanRecorder) End() {
	sr.span.EndTime = time.Now()
	sr.span.DurationMs = msSince(sr.span.StartTime, sr.span.EndTime)
	sr.trace.addSpan(sr.span)
}

func (t *Trace) addSpan(s Span) {
	t.mu.Lock()
	t.Spans = append(t.Spans, s)
	t.mu.Unlock()
}

// Finish closes the trace with an optional error.
func (t *Trace) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndTime = time.Now()
	t.DurationMs = msSince(t.StartTime, t.EndTime)
	if err != nil {
		t.Error = err.Error()
	}
}

// Snapshot returns a copy that is safe to serialize while the request is
// still recording.
func (t *Trace) Snapshot() *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Trace{
		TraceID:    t.TraceID,
		Mode:       t.Mode,
		Model:      t.Model,
		Method:     t.Method,
		Question:   t.Question,
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		DurationMs: t.DurationMs,
		Spans:      append([]Span(nil), t.Spans...),
		Error:      t.Error,
	}
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}

// Store holds recent traces, evicting the oldest beyond capacity.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string
	max    int
}

// NewStore creates a store that retains up to maxSize traces.
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &Store{
		traces: make(map[string]*Trace),
		order:  make([]string, 0, maxSize),
		max:    maxSize,
	}
}

// Put stores a trace.
func (s *Store) Put(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.max {
		delete(s.traces, s.order[0])
		s.order = s.order[1:]
	}
	s.traces[t.TraceID] = t
	s.order = append(s.order, t.TraceID)
}

// Get returns a snapshot of a trace, or nil.
func (s *Store) Get(traceID string) *Trace {
	s.mu.RLock()
	t := s.traces[traceID]
	s.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Snapshot()
}

// List returns snapshots of the most recent traces, newest first.
func (s *Store) List(limit int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Trace, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.traces[s.order[n-1-i]].Snapshot()
	}
	return out
}

// WithTrace stores the trace in ctx under the agent recorder key.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return agent.WithTraceRecorder(ctx, t)
}

// FromContext extracts the *Trace from ctx, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := agent.TraceFromContext(ctx).(*Trace)
	return t
}
