package instrument

import (
	"context"

	"github.com/google/uuid"
)

// Event is one completed span or business event, queued for batch insert.
type Event struct {
	EventType    string
	TraceID      string
	SpanID       string
	ParentSpanID string
	Source       string
	Component    string
	Action       string
	Entity       string
	RecordID     string
	UserID       string
	DurationMs   int64
	Status       string
	Metadata     map[string]any
}

// Span carries one operation's timing and context through its lifetime.
type Span interface {
	TraceID() string
	SpanID() string
	SetEntity(entity, recordID string)
	SetStatus(status string)
	SetMetadata(key string, value any)
	End()
}

// Instrumenter starts spans and emits ad hoc business events for one trace.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

type ctxKey int

const instrumenterKey ctxKey = iota

// WithInstrumenter attaches an Instrumenter to the context, for downstream
// StartSpan/EmitBusinessEvent calls to pick up without explicit threading.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the Instrumenter attached to ctx, or a no-op
// instrumenter if none was attached (degrades safely when disabled).
func GetInstrumenter(ctx context.Context) Instrumenter {
	if inst, ok := ctx.Value(instrumenterKey).(Instrumenter); ok && inst != nil {
		return inst
	}
	return &NoopInstrumenter{}
}

// NewTraceID mints a fresh trace id; callers read a propagated header first
// and only fall back to this when none is present.
func NewTraceID() string {
	return uuid.New().String()
}
