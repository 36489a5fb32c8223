package tracer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcore/wasmcore/internal/idgen"
)

func newID(t *testing.T) idgen.ID {
	t.Helper()
	id, err := idgen.New()
	require.NoError(t, err)
	return id
}

func TestStartAppendCloseRetrievable(t *testing.T) {
	tr := New(10, true)
	id := newID(t)

	h := tr.Start(id)
	h.Append(EventExecutionStart, "starting", nil)
	h.Append(EventExecutionComplete, "done", map[string]interface{}{"return_code": 0})
	h.Close(true, "")

	trace := tr.Get(id)
	require.NotNil(t, trace)
	assert.True(t, trace.Success)
	assert.Len(t, trace.Events, 2)
	assert.Equal(t, EventExecutionStart, trace.Events[0].Kind)
}

func TestDisabledTracerRecordsNothing(t *testing.T) {
	tr := New(10, false)
	id := newID(t)

	h := tr.Start(id)
	h.Append(EventExecutionStart, "starting", nil)
	h.Close(true, "")

	assert.Nil(t, tr.Get(id))
	assert.Empty(t, tr.GetAll())
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	tr := New(2, true)
	first := newID(t)
	second := newID(t)
	third := newID(t)

	for _, id := range []idgen.ID{first, second, third} {
		h := tr.Start(id)
		h.Close(true, "")
	}

	all := tr.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].BinaryID)
	assert.Equal(t, third, all[1].BinaryID)
	assert.Nil(t, tr.Get(first))
}

func TestClearRemovesAllTraces(t *testing.T) {
	tr := New(10, true)
	h := tr.Start(newID(t))
	h.Close(true, "")

	tr.Clear()
	assert.Empty(t, tr.GetAll())
}

func TestExportAllProducesValidJSON(t *testing.T) {
	tr := New(10, true)
	h := tr.Start(newID(t))
	h.Append(EventPluginLog, "hello from guest", nil)
	h.Close(true, "")

	out, err := tr.ExportAll()
	require.NoError(t, err)

	var decoded []Trace
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "hello from guest", decoded[0].Events[0].Message)
}

func TestFailedExecutionRecordsErrorMessage(t *testing.T) {
	tr := New(10, true)
	id := newID(t)

	h := tr.Start(id)
	h.Append(EventExecutionError, "boom", nil)
	h.Close(false, "ExecutionTimeout")

	trace := tr.Get(id)
	require.NotNil(t, trace)
	assert.False(t, trace.Success)
	assert.Equal(t, "ExecutionTimeout", trace.ErrorMessage)
}
