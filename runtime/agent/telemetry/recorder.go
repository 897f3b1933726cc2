package telemetry

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type (
	// Recorder accepts span-style records keyed by trace id. Implementations
	// receive only redacted fields (see Fields).
	Recorder interface {
		Record(ctx context.Context, traceID string, rec SpanRecord)
	}

	// SpanRecord is one observed step of a request: a gather, an actor pass,
	// a tool attempt or a verification.
	SpanRecord struct {
		Name     string
		Input    Fields
		Output   Fields
		Metadata Fields
		Duration time.Duration
	}

	// Fields holds span attributes. Use Redact to build it from arbitrary
	// values.
	Fields map[string]any

	// Code is a string value that is safe to record verbatim (status codes,
	// tool names, rule codes). Plain strings are reduced to their length.
	Code string

	// MemoryRecorder keeps the records of the most recent traces in memory.
	MemoryRecorder struct {
		mu     sync.Mutex
		traces *lru.Cache[string, []SpanRecord]
	}

	// TracerRecorder forwards records as events on the current span.
	TracerRecorder struct {
		tracer Tracer
	}

	multiRecorder []Recorder

	traceIDKey struct{}
)

// ContextWithTraceID returns a copy of ctx carrying traceID so that work
// spawned below it, such as subagent tasks, records under the same trace.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id set by ContextWithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// Redact returns a copy of kv (k1, v1, k2, v2...) that keeps only lengths,
// codes, booleans, numbers and durations. A plain string value under key k
// is replaced by its length under k+"_len"; other types are dropped.
func Redact(kv ...any) Fields {
	out := make(Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			out[k+"_len"] = len(v)
		case []byte:
			out[k+"_len"] = len(v)
		case Code, bool, int, int64, float64, time.Duration:
			out[k] = v
		}
	}
	return out
}

// NewMemoryRecorder returns a recorder retaining at most maxTraces traces.
func NewMemoryRecorder(maxTraces int) *MemoryRecorder {
	if maxTraces <= 0 {
		maxTraces = 256
	}
	cache, err := lru.New[string, []SpanRecord](maxTraces)
	if err != nil {
		panic(err) // unreachable: size is positive
	}
	return &MemoryRecorder{traces: cache}
}

// Record appends rec to the trace.
func (r *MemoryRecorder) Record(_ context.Context, traceID string, rec SpanRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, _ := r.traces.Get(traceID)
	r.traces.Add(traceID, append(recs, rec))
}

// Trace returns a copy of the records of traceID in record order.
func (r *MemoryRecorder) Trace(traceID string) []SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, _ := r.traces.Get(traceID)
	out := make([]SpanRecord, len(recs))
	copy(out, recs)
	return out
}

// NewTracerRecorder returns a recorder that adds each record as an event
// on the span carried by ctx.
func NewTracerRecorder(t Tracer) *TracerRecorder {
	return &TracerRecorder{tracer: t}
}

// Record adds rec as a span event.
func (r *TracerRecorder) Record(ctx context.Context, traceID string, rec SpanRecord) {
	attrs := []any{"trace_id", traceID, "duration_ms", rec.Duration.Milliseconds()}
	for prefix, fs := range map[string]Fields{"input.": rec.Input, "output.": rec.Output, "meta.": rec.Metadata} {
		for k, v := range fs {
			attrs = append(attrs, prefix+k, v)
		}
	}
	r.tracer.Span(ctx).AddEvent(rec.Name, attrs...)
}

// Tee returns a Recorder that forwards to every non-nil recorder.
func Tee(recs ...Recorder) Recorder {
	var m multiRecorder
	for _, r := range recs {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m multiRecorder) Record(ctx context.Context, traceID string, rec SpanRecord) {
	for _, r := range m {
		r.Record(ctx, traceID, rec)
	}
}
