package wasmengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid WASM binary: the 8-byte header alone,
// with no sections. Used to exercise the real wazero.Runtime without
// depending on a compiled guest (this repository never invokes a WASM
// toolchain and carries no guest sources).
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestNewWazeroEngineCompilesModule(t *testing.T) {
	ctx := context.Background()
	engine, err := NewWazeroEngine(ctx, 16)
	require.NoError(t, err)
	defer engine.Close(ctx)

	compiled, err := engine.Compile(ctx, emptyModule)
	require.NoError(t, err)
	defer compiled.Close(ctx)
}

// TestBoundedMemoryAllocatorEnforcesPerCallLimit is the regression test
// for the per-call memory_limit_mb enforcement spec.md §4.2 step 2
// requires: a call configured with a small limit must fail to grow past
// it, independent of the engine-wide ceiling passed to NewWazeroEngine.
func TestBoundedMemoryAllocatorEnforcesPerCallLimit(t *testing.T) {
	const limitBytes = 2 * wasmPageSize
	alloc := newBoundedMemoryAllocator(limitBytes)

	buf := alloc.Make(wasmPageSize, wasmPageSize, 16*wasmPageSize)
	require.Len(t, buf, wasmPageSize)

	grown := alloc.Grow(2 * wasmPageSize)
	assert.Len(t, grown, 2*wasmPageSize, "growth within the per-call limit must succeed")

	overLimit := alloc.Grow(3 * wasmPageSize)
	assert.Nil(t, overLimit, "growth past the per-call limit must fail (OutOfMemory)")
}

func TestBoundedMemoryAllocatorCapsMakeToLimit(t *testing.T) {
	const limitBytes = wasmPageSize
	alloc := newBoundedMemoryAllocator(limitBytes)

	buf := alloc.Make(wasmPageSize, 16*wasmPageSize, 16*wasmPageSize)
	assert.LessOrEqual(t, cap(buf), limitBytes)
}

func TestBoundedMemoryAllocatorFreeClearsBuffer(t *testing.T) {
	alloc := newBoundedMemoryAllocator(wasmPageSize)
	alloc.Make(wasmPageSize, wasmPageSize, wasmPageSize)
	alloc.Free()
	assert.Nil(t, alloc.buf)
}
