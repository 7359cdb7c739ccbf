// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package trace implements the inbound OTLP/gRPC collector: spans are
// buffered per trace id, enriched with propagated baggage, and flushed to
// a columnar store through the Writer capability.
package trace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strings"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// BaggageKeys are the cross-cutting keys copied from propagated baggage
// into every span's attributes.
var BaggageKeys = []string{"langdb.parent_trace_id", "langdb.run_id", "langdb.label"}

// spanTable is the columnar destination and its row shape.
const spanTable = "traces"

var spanColumns = []string{
	"trace_id", "span_id", "parent_span_id", "name",
	"start_time_ns", "end_time_ns",
	"attributes", "events",
	"status_code", "status_message",
}

// Server is the OTLP TraceService implementation.
type Server struct {
	coltracepb.UnimplementedTraceServiceServer

	buffer *Buffer
	writer Writer
	logger *zap.Logger

	grpcServer *grpc.Server
}

// NewServer creates a collector flushing completed traces to writer. A
// nil writer falls back to the no-op store.
func NewServer(writer Writer, logger *zap.Logger) *Server {
	if writer == nil {
		writer = NoopWriter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		writer: writer,
		logger: logger.With(zap.String("component", "trace_server")),
	}
	s.buffer = NewBuffer(0, 0, s.flushTrace, logger)
	return s
}

// Serve listens for OTLP/gRPC exports on addr (":4317" by convention)
// until the listener fails or Shutdown is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.grpcServer = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(s.grpcServer, s)
	s.logger.Info("trace collector listening", zap.String("addr", addr))
	return s.grpcServer.Serve(lis)
}

// Shutdown stops the gRPC server and flushes the buffer.
func (s *Server) Shutdown() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.buffer.Close()
}

// Export receives one OTLP batch. Spans are grouped by trace id, enriched
// with baggage from the request metadata, and appended to the buffer.
// Export never blocks on the store: flushing happens on buffer boundaries.
func (s *Server) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	baggage := baggageFromContext(ctx)

	grouped := make(map[string][]SpanRecord)
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				record := toSpanRecord(span, baggage)
				grouped[record.TraceID] = append(grouped[record.TraceID], record)
			}
		}
	}

	for traceID, spans := range grouped {
		s.buffer.Append(traceID, spans)
	}

	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func (s *Server) flushTrace(traceID string, spans []SpanRecord) {
	rows := make([][]any, 0, len(spans))
	for _, sp := range spans {
		rows = append(rows, []any{
			sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.Name,
			sp.StartUnixNano, sp.EndUnixNano,
			sp.Attributes, sp.Events,
			sp.StatusCode, sp.StatusMessage,
		})
	}

	// Store errors are logged and swallowed; trace persistence must never
	// ripple back into request handling.
	if err := s.writer.InsertValues(context.Background(), spanTable, spanColumns, rows); err != nil {
		s.logger.Error("trace flush failed",
			zap.String("trace_id", traceID), zap.Int("spans", len(rows)), zap.Error(err))
		return
	}
	s.logger.Debug("trace flushed", zap.String("trace_id", traceID), zap.Int("spans", len(rows)))
}

// baggageFromContext parses the W3C baggage header from gRPC metadata,
// keeping only the configured keys.
func baggageFromContext(ctx context.Context) map[string]string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	values := md.Get("baggage")
	if len(values) == 0 {
		return nil
	}

	members := map[string]string{}
	for _, header := range values {
		for _, member := range strings.Split(header, ",") {
			if k, v, found := strings.Cut(strings.TrimSpace(member), "="); found {
				members[k] = v
			}
		}
	}

	out := map[string]string{}
	for _, key := range BaggageKeys {
		if v, ok := members[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toSpanRecord flattens an OTLP span into the store row shape, merging
// the propagated baggage into its attributes.
func toSpanRecord(span *tracepb.Span, baggage map[string]string) SpanRecord {
	attrs := make(map[string]any, len(span.GetAttributes())+len(baggage))
	for _, kv := range span.GetAttributes() {
		attrs[kv.GetKey()] = anyValueToGo(kv.GetValue())
	}
	for k, v := range baggage {
		attrs[k] = v
	}
	attrJSON, _ := json.Marshal(attrs)

	events := make([]map[string]any, 0, len(span.GetEvents()))
	for _, ev := range span.GetEvents() {
		evAttrs := make(map[string]any, len(ev.GetAttributes()))
		for _, kv := range ev.GetAttributes() {
			evAttrs[kv.GetKey()] = anyValueToGo(kv.GetValue())
		}
		events = append(events, map[string]any{
			"name":         ev.GetName(),
			"time_unix_ns": ev.GetTimeUnixNano(),
			"attributes":   evAttrs,
		})
	}
	eventJSON, _ := json.Marshal(events)

	return SpanRecord{
		TraceID:       hex.EncodeToString(span.GetTraceId()),
		SpanID:        hex.EncodeToString(span.GetSpanId()),
		ParentSpanID:  hex.EncodeToString(span.GetParentSpanId()),
		Name:          span.GetName(),
		StartUnixNano: span.GetStartTimeUnixNano(),
		EndUnixNano:   span.GetEndTimeUnixNano(),
		Attributes:    string(attrJSON),
		Events:        string(eventJSON),
		StatusCode:    uint8(span.GetStatus().GetCode()),
		StatusMessage: span.GetStatus().GetMessage(),
	}
}

// anyValueToGo converts an OTLP AnyValue into a JSON-encodable Go value.
func anyValueToGo(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			out = append(out, anyValueToGo(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValueToGo(kv.GetValue())
		}
		return out
	default:
		return nil
	}
}
