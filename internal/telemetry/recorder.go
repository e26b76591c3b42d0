package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanRecord is the dashboard view of a finished span. The JSON form is
// what the broadcaster pushes to websocket clients.
type SpanRecord struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	DurationMs    float64           `json:"durationMs"`
	StatusCode    string            `json:"statusCode"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// SpanRecorder is a span processor that keeps the most recent finished
// spans in a fixed-size ring. It never blocks span ends and never grows:
// when full, the oldest record is overwritten.
type SpanRecorder struct {
	mu   sync.Mutex
	buf  []SpanRecord
	next int
	full bool
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)

// NewSpanRecorder creates a recorder holding up to capacity spans.
func NewSpanRecorder(capacity int) *SpanRecorder {
	if capacity <= 0 {
		capacity = 1
	}
	return &SpanRecorder{
		buf: make([]SpanRecord, capacity),
	}
}

// OnStart implements sdktrace.SpanProcessor.
func (r *SpanRecorder) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {}

// OnEnd records the finished span.
func (r *SpanRecorder) OnEnd(s sdktrace.ReadOnlySpan) {
	rec := toRecord(s)

	r.mu.Lock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Shutdown implements sdktrace.SpanProcessor. Recorded spans stay readable
// so a final broadcast can still drain them.
func (r *SpanRecorder) Shutdown(ctx context.Context) error {
	return nil
}

// ForceFlush implements sdktrace.SpanProcessor.
func (r *SpanRecorder) ForceFlush(ctx context.Context) error {
	return nil
}

// Records returns the retained spans, oldest first.
func (r *SpanRecorder) Records() []SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]SpanRecord, r.next)
		copy(out, r.buf[:r.next])
		return out
	}

	out := make([]SpanRecord, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len returns the number of retained spans.
func (r *SpanRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func toRecord(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       s.Name(),
		Kind:       spanKindString(s.SpanKind()),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		DurationMs: float64(s.EndTime().Sub(s.StartTime())) / float64(time.Millisecond),
		StatusCode: statusString(s),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		rec.ParentID = parent.SpanID().String()
	}
	if msg := s.Status().Description; msg != "" {
		rec.StatusMessage = msg
	}
	if attrs := s.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}
	return rec
}

func spanKindString(k trace.SpanKind) string {
	switch k {
	case trace.SpanKindServer:
		return "server"
	case trace.SpanKindClient:
		return "client"
	case trace.SpanKindProducer:
		return "producer"
	case trace.SpanKindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

func statusString(s sdktrace.ReadOnlySpan) string {
	switch s.Status().Code {
	case codes.Ok:
		return "ok"
	case codes.Error:
		return "error"
	default:
		return "unset"
	}
}
