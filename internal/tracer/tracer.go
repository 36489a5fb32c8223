// Package tracer records per-execution event timelines in a bounded
// in-memory ring (spec.md §4.4). It is a pure sink: the Executor is its
// sole producer and a Tracer failure never propagates into the Executor's
// path.
package tracer

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/wasmcore/wasmcore/internal/idgen"
)

// EventKind is one of the closed set of trace event kinds spec.md §3
// enumerates.
type EventKind string

const (
	EventLoadStart         EventKind = "LoadStart"
	EventLoadComplete      EventKind = "LoadComplete"
	EventLoadError         EventKind = "LoadError"
	EventExecutionStart    EventKind = "ExecutionStart"
	EventExecutionComplete EventKind = "ExecutionComplete"
	EventExecutionError    EventKind = "ExecutionError"
	EventFunctionCall      EventKind = "FunctionCall"
	EventHostFunctionCall  EventKind = "HostFunctionCall"
	EventMemoryOp          EventKind = "MemoryOp"
	EventFuelCheckpoint    EventKind = "FuelCheckpoint"
	EventPluginLog         EventKind = "PluginLog"
)

// Event is one TraceEvent (spec.md §3): Timestamp is monotonic
// microseconds measured from the owning Trace's StartedAt.
type Event struct {
	Timestamp int64                  `json:"timestamp_us"`
	Kind      EventKind              `json:"kind"`
	BinaryID  idgen.ID               `json:"binary_id"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Trace is one ExecutionTrace (spec.md §3): append-only once Close is
// called.
type Trace struct {
	BinaryID     idgen.ID  `json:"binary_id"`
	StartedAt    time.Time `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Events       []Event   `json:"events"`

	closed bool
}

// Handle is the write side of one in-flight Trace, returned by Start and
// bound to the calling execution. Appending to a Handle is safe for a
// single execution's own goroutine; Handles are not shared across
// executions.
type Handle struct {
	tracer   *Tracer
	binaryID idgen.ID
	start    time.Time
	events   []Event
	enabled  bool
}

// Enabled reports whether this handle is actually recording. Callers that
// build a metadata map only to hand it to Append must check this first
// (spec.md §4.4's constant-time requirement extends to the caller: the
// allocation itself must not happen when tracing is off, not just the
// append).
func (h *Handle) Enabled() bool { return h.enabled }

// Append records one event on this handle's trace. A no-op, allocating
// nothing, when tracing is disabled (spec.md §4.4's constant-time
// requirement).
func (h *Handle) Append(kind EventKind, message string, metadata map[string]interface{}) {
	if !h.enabled {
		return
	}
	h.events = append(h.events, Event{
		Timestamp: time.Since(h.start).Microseconds(),
		Kind:      kind,
		BinaryID:  h.binaryID,
		Message:   message,
		Metadata:  metadata,
	})
}

// Close finalizes the trace and inserts it into the ring. A no-op when
// tracing is disabled.
func (h *Handle) Close(success bool, errMessage string) {
	if !h.enabled {
		return
	}
	trace := &Trace{
		BinaryID:     h.binaryID,
		StartedAt:    h.start,
		Duration:     time.Since(h.start),
		Success:      success,
		ErrorMessage: errMessage,
		Events:       h.events,
		closed:       true,
	}
	h.tracer.insert(trace)
}

// Tracer is a fixed-capacity FIFO ring of completed Traces. A trace still
// in flight lives only in its Handle and is not visible to Get/GetAll
// until the Handle is Closed.
type Tracer struct {
	enabled  *atomic.Bool
	capacity int

	mu    sync.Mutex
	ring  []*Trace
	start int // index of the oldest element in ring
	count int
}

// New constructs a Tracer with the given ring capacity (spec.md §4.4
// default 100). enabled controls whether Start returns a recording or a
// constant-time no-op Handle.
func New(capacity int, enabled bool) *Tracer {
	if capacity <= 0 {
		capacity = 100
	}
	return &Tracer{
		enabled:  atomic.NewBool(enabled),
		capacity: capacity,
		ring:     make([]*Trace, capacity),
	}
}

// SetEnabled toggles recording at runtime.
func (t *Tracer) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Start begins a new trace for binaryID, returning a Handle the caller
// appends events to and eventually Closes.
func (t *Tracer) Start(binaryID idgen.ID) *Handle {
	enabled := t.enabled.Load()
	h := &Handle{tracer: t, binaryID: binaryID, enabled: enabled}
	if enabled {
		h.start = time.Now()
	}
	return h
}

func (t *Tracer) insert(trace *Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := (t.start + t.count) % t.capacity
	if t.count == t.capacity {
		// Ring full: the slot we're about to write is the oldest entry,
		// dropping it and advancing start (FIFO eviction, spec.md §4.4).
		t.start = (t.start + 1) % t.capacity
	} else {
		t.count++
	}
	t.ring[idx] = trace
}

// GetAll returns every retained trace, oldest first.
func (t *Tracer) GetAll() []*Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Trace, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(t.start+i)%t.capacity])
	}
	return out
}

// Get returns the most recent retained trace for binaryID, or nil if
// none is retained.
func (t *Tracer) Get(binaryID idgen.ID) *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := t.count - 1; i >= 0; i-- {
		trace := t.ring[(t.start+i)%t.capacity]
		if trace.BinaryID == binaryID {
			return trace
		}
	}
	return nil
}

// Clear discards every retained trace.
func (t *Tracer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = make([]*Trace, t.capacity)
	t.start, t.count = 0, 0
}

// ExportAll serializes every retained trace as a JSON array. Serialization
// failure is surfaced to the caller, per spec.md §4.4's failure mode, not
// swallowed.
func (t *Tracer) ExportAll() (string, error) {
	data, err := json.Marshal(t.GetAll())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
