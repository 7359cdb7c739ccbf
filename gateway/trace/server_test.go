package trace

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc/metadata"
)

// recordingWriter captures insert batches for assertions.
type recordingWriter struct {
	mu      sync.Mutex
	batches [][][]any
	columns []string
}

func (w *recordingWriter) InsertValues(ctx context.Context, table string, columns []string, rows [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.columns = columns
	w.batches = append(w.batches, rows)
	return nil
}

func (w *recordingWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func makeSpan(traceID, spanID, parentID string, name string) *tracepb.Span {
	tid, _ := hex.DecodeString(traceID)
	sid, _ := hex.DecodeString(spanID)
	span := &tracepb.Span{
		TraceId:           tid,
		SpanId:            sid,
		Name:              name,
		StartTimeUnixNano: 100,
		EndTimeUnixNano:   200,
		Attributes: []*commonpb.KeyValue{{
			Key:   "model",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "gpt-4o"}},
		}},
	}
	if parentID != "" {
		pid, _ := hex.DecodeString(parentID)
		span.ParentSpanId = pid
	}
	return span
}

func exportRequest(spans ...*tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	}
}

const (
	testTraceID = "0123456789abcdef0123456789abcdef"
	rootSpanID  = "0123456789abcdef"
)

func TestExport_FlushesOneBatchPerTrace(t *testing.T) {
	w := &recordingWriter{}
	s := NewServer(w, nil)
	defer s.buffer.Close()

	// Children first, then the root; the root's arrival completes the
	// trace and triggers exactly one flush.
	spans := []*tracepb.Span{
		makeSpan(testTraceID, "aaaaaaaaaaaaaaaa", rootSpanID, "guard_evaluation"),
		makeSpan(testTraceID, "bbbbbbbbbbbbbbbb", rootSpanID, "chat_completion"),
		makeSpan(testTraceID, rootSpanID, "", "request"),
	}
	_, err := s.Export(context.Background(), exportRequest(spans...))
	require.NoError(t, err)

	require.Equal(t, 1, w.batchCount())
	assert.Len(t, w.batches[0], 3)
	for _, row := range w.batches[0] {
		assert.Equal(t, testTraceID, row[0])
	}
	assert.Equal(t, spanColumns, w.columns)
}

func TestExport_BaggageEnrichesAttributes(t *testing.T) {
	w := &recordingWriter{}
	s := NewServer(w, nil)
	defer s.buffer.Close()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"baggage", "langdb.run_id=run-42,langdb.label=eval, other=ignored"))

	_, err := s.Export(ctx, exportRequest(makeSpan(testTraceID, rootSpanID, "", "request")))
	require.NoError(t, err)

	require.Equal(t, 1, w.batchCount())
	attrs := w.batches[0][0][6].(string)
	assert.Contains(t, attrs, `"langdb.run_id":"run-42"`)
	assert.Contains(t, attrs, `"langdb.label":"eval"`)
	assert.NotContains(t, attrs, "ignored")
	assert.Contains(t, attrs, `"model":"gpt-4o"`)
}

func TestBuffer_TTLFlushesRootlessTrace(t *testing.T) {
	var (
		mu      sync.Mutex
		flushed [][]SpanRecord
	)
	b := NewBuffer(50*time.Millisecond, 0, func(traceID string, spans []SpanRecord) {
		mu.Lock()
		flushed = append(flushed, spans)
		mu.Unlock()
	}, nil)
	defer b.Close()

	b.Append("t1", []SpanRecord{{TraceID: "t1", SpanID: "s1", ParentSpanID: "missing"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "s1", flushed[0][0].SpanID)
	assert.Zero(t, b.Len())
}

func TestBuffer_CapacityFlushesOldestEarly(t *testing.T) {
	var (
		mu      sync.Mutex
		flushed []string
	)
	b := NewBuffer(time.Hour, 2, func(traceID string, spans []SpanRecord) {
		mu.Lock()
		flushed = append(flushed, traceID)
		mu.Unlock()
	}, nil)
	defer b.Close()

	b.Append("t1", []SpanRecord{{TraceID: "t1", SpanID: "a", ParentSpanID: "x"}})
	b.Append("t2", []SpanRecord{{TraceID: "t2", SpanID: "b", ParentSpanID: "x"}})
	b.Append("t3", []SpanRecord{{TraceID: "t3", SpanID: "c", ParentSpanID: "x"}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Equal(t, "t1", flushed[0])
}

func TestNoopWriter_AcceptsAnything(t *testing.T) {
	err := NoopWriter{}.InsertValues(context.Background(), "traces", spanColumns, [][]any{{1}})
	assert.NoError(t, err)
}
