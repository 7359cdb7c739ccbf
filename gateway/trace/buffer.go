// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package trace

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SpanRecord is the buffered, store-shaped form of one span.
type SpanRecord struct {
	TraceID       string
	SpanID        string
	ParentSpanID  string
	Name          string
	StartUnixNano uint64
	EndUnixNano   uint64
	Attributes    string // JSON object
	Events        string // JSON array
	StatusCode    uint8
	StatusMessage string
}

// IsRoot reports whether the span has no parent, marking its trace as
// complete enough to flush.
func (s *SpanRecord) IsRoot() bool { return s.ParentSpanID == "" }

const (
	defaultTraceTTL  = 60 * time.Second
	defaultMaxTraces = 10_000
	sweepInterval    = time.Second
)

// traceEntry groups one trace's spans while it accumulates.
type traceEntry struct {
	traceID  string
	spans    []SpanRecord
	lastSeen time.Time
	rootSeen bool
	elem     *list.Element
}

// Buffer accumulates spans per trace id with a sliding TTL. A trace
// flushes when its root span has arrived or when it goes idle past the
// TTL. The buffer is bounded: beyond maxTraces the oldest trace is
// flushed early with a warning rather than blocking the producer.
type Buffer struct {
	mu     sync.Mutex
	byID   map[string]*traceEntry
	order  *list.List // oldest first, by last append
	ttl    time.Duration
	max    int
	flush  func(traceID string, spans []SpanRecord)
	logger *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBuffer creates a Buffer delivering completed traces to flush. Zero
// ttl and max select the defaults (60s, 10k traces).
func NewBuffer(ttl time.Duration, max int, flush func(traceID string, spans []SpanRecord), logger *zap.Logger) *Buffer {
	if ttl <= 0 {
		ttl = defaultTraceTTL
	}
	if max <= 0 {
		max = defaultMaxTraces
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Buffer{
		byID:   make(map[string]*traceEntry),
		order:  list.New(),
		ttl:    ttl,
		max:    max,
		flush:  flush,
		logger: logger.With(zap.String("component", "trace_buffer")),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.sweep()
	return b
}

// Append adds spans to their trace's entry, refreshing its TTL. Traces
// whose root span has arrived flush immediately.
func (b *Buffer) Append(traceID string, spans []SpanRecord) {
	var flushNow *traceEntry

	b.mu.Lock()
	entry, ok := b.byID[traceID]
	if !ok {
		entry = &traceEntry{traceID: traceID}
		entry.elem = b.order.PushBack(entry)
		b.byID[traceID] = entry

		if len(b.byID) > b.max {
			oldest := b.order.Front().Value.(*traceEntry)
			b.evictLocked(oldest)
			b.logger.Warn("trace buffer full, flushing oldest trace early",
				zap.String("trace_id", oldest.traceID), zap.Int("spans", len(oldest.spans)))
			b.deliver(oldest)
		}
	}

	entry.spans = append(entry.spans, spans...)
	entry.lastSeen = time.Now()
	b.order.MoveToBack(entry.elem)
	for i := range spans {
		if spans[i].IsRoot() {
			entry.rootSeen = true
		}
	}
	if entry.rootSeen {
		b.evictLocked(entry)
		flushNow = entry
	}
	b.mu.Unlock()

	if flushNow != nil {
		b.deliver(flushNow)
	}
}

// evictLocked removes an entry from the index and order list.
func (b *Buffer) evictLocked(e *traceEntry) {
	delete(b.byID, e.traceID)
	b.order.Remove(e.elem)
}

func (b *Buffer) deliver(e *traceEntry) {
	if b.flush != nil && len(e.spans) > 0 {
		b.flush(e.traceID, e.spans)
	}
}

// sweep flushes idle traces once their TTL elapses.
func (b *Buffer) sweep() {
	defer b.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			var expired []*traceEntry
			b.mu.Lock()
			for {
				front := b.order.Front()
				if front == nil {
					break
				}
				entry := front.Value.(*traceEntry)
				if now.Sub(entry.lastSeen) < b.ttl {
					break
				}
				b.evictLocked(entry)
				expired = append(expired, entry)
			}
			b.mu.Unlock()

			for _, e := range expired {
				b.deliver(e)
			}
		}
	}
}

// Close stops the sweeper and flushes everything still buffered.
func (b *Buffer) Close() {
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	var remaining []*traceEntry
	for _, e := range b.byID {
		remaining = append(remaining, e)
	}
	b.byID = make(map[string]*traceEntry)
	b.order.Init()
	b.mu.Unlock()

	for _, e := range remaining {
		b.deliver(e)
	}
}

// Len returns the number of buffered traces, for metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
