package instrument

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// BufferedInstrumenter is the live Instrumenter: it mints trace/span ids,
// tracks parent-child span relationships via context, and enqueues
// completed spans onto an EventBuffer. Sampled-out requests fall through
// to a no-op span so call sites never branch on whether tracing is active.
type BufferedInstrumenter struct {
	buffer     *EventBuffer
	sampleRate float64
}

// NewBufferedInstrumenter creates an Instrumenter backed by buf, sampling
// spans at sampleRate (0..1). A rate of 0 or buf == nil degrades to no-ops.
func NewBufferedInstrumenter(buf *EventBuffer, sampleRate float64) Instrumenter {
	if buf == nil || sampleRate <= 0 {
		return &NoopInstrumenter{}
	}
	return &BufferedInstrumenter{buffer: buf, sampleRate: sampleRate}
}

type traceCtxKey int

const (
	traceIDKey traceCtxKey = iota
	spanIDKey
)

// TraceIDFromContext returns the current trace id, or "" if none is set.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

func (b *BufferedInstrumenter) sampled() bool {
	return b.sampleRate >= 1 || rand.Float64() < b.sampleRate
}

// StartSpan begins a new span, inheriting trace id and parent span id from
// ctx if present, generating fresh ones otherwise.
func (b *BufferedInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	traceID, _ := ctx.Value(traceIDKey).(string)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	parentSpanID, _ := ctx.Value(spanIDKey).(string)
	spanID := uuid.New().String()

	child := context.WithValue(ctx, traceIDKey, traceID)
	child = context.WithValue(child, spanIDKey, spanID)

	if !b.sampled() {
		return child, &NoopSpan{}
	}

	return child, &bufferedSpan{
		buffer:       b.buffer,
		traceID:      traceID,
		spanID:       spanID,
		parentSpanID: parentSpanID,
		source:       source,
		component:    component,
		action:       action,
		start:        time.Now(),
		metadata:     make(map[string]any),
	}
}

// EmitBusinessEvent records a one-off event not tied to a span's lifetime.
func (b *BufferedInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	if !b.sampled() {
		return
	}
	traceID, _ := ctx.Value(traceIDKey).(string)
	b.buffer.Enqueue(Event{
		EventType: "business_event",
		TraceID:   traceID,
		SpanID:    uuid.New().String(),
		Action:    action,
		Entity:    entity,
		RecordID:  recordID,
		Metadata:  metadata,
		Status:    "ok",
	})
}

type bufferedSpan struct {
	buffer       *EventBuffer
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	status       string
	start        time.Time
	metadata     map[string]any
}

func (s *bufferedSpan) TraceID() string { return s.traceID }
func (s *bufferedSpan) SpanID() string  { return s.spanID }

func (s *bufferedSpan) SetEntity(entity, recordID string) {
	s.entity = entity
	s.recordID = recordID
}

func (s *bufferedSpan) SetStatus(status string) { s.status = status }

func (s *bufferedSpan) SetMetadata(key string, value any) { s.metadata[key] = value }

func (s *bufferedSpan) End() {
	durationMs := time.Since(s.start).Milliseconds()
	status := s.status
	if status == "" {
		status = "ok"
	}
	s.buffer.Enqueue(Event{
		EventType:    "span",
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentSpanID,
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Entity:       s.entity,
		RecordID:     s.recordID,
		DurationMs:   durationMs,
		Status:       status,
		Metadata:     s.metadata,
	})
}
