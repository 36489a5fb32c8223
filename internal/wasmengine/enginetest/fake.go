// Package enginetest provides a pure-Go fake of wasmengine.Engine so the
// Registry and Executor can be tested without compiling a real .wasm
// binary. Tests register a ProcessFunc against a byte slice "binary" and
// the fake engine runs that Go function whenever that binary is executed.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wasmcore/wasmcore/internal/wasmengine"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

const pageSize = 65536

// ProcessFunc is the guest-side behavior a fake "compiled module" runs.
// Returning a negative code simulates a plugin-defined error code;
// returning a non-nil err simulates a guest trap (e.g. an unreachable
// instruction, used to exercise RuntimeError).
type ProcessFunc func(ctx context.Context, input []byte) (output []byte, code int32, err error)

// Engine is a fake wasmengine.Engine.
type Engine struct {
	mu       sync.Mutex
	handlers map[string]registration
	closed   bool
}

type registration struct {
	fn       ProcessFunc
	noAlloc  bool // simulate a guest with no alloc/dealloc exports
	noOutput bool // simulate a guest with no get_output_ptr/len exports
}

var _ wasmengine.Engine = (*Engine)(nil)

// ErrInvalidWasm is the cause Compile wraps, classified as
// wasmerr.KindInvalidWasm, for any byte slice that was never registered
// with Register, simulating spec.md's InvalidWasm.
var ErrInvalidWasm = errors.New("enginetest: not a registered fake binary")

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{handlers: make(map[string]registration)}
}

// Register associates wasmBytes with a behavior. Subsequent Compile calls
// for byte-identical slices succeed and run fn.
func (e *Engine) Register(wasmBytes []byte, fn ProcessFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[string(wasmBytes)] = registration{fn: fn}
}

// RegisterNoAlloc is like Register but simulates a guest that does not
// export alloc/dealloc, exercising the Executor's fixed-offset fallback.
func (e *Engine) RegisterNoAlloc(wasmBytes []byte, fn ProcessFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[string(wasmBytes)] = registration{fn: fn, noAlloc: true}
}

// RegisterNoOutputExports is like Register but simulates a guest that does
// not export get_output_ptr/get_output_len, so the Executor falls back to
// the fixed output region. The fake's CallProcess writes neither the length
// header nor the output bytes into that region.
func (e *Engine) RegisterNoOutputExports(wasmBytes []byte, fn ProcessFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[string(wasmBytes)] = registration{fn: fn, noOutput: true}
}

func (e *Engine) Compile(_ context.Context, wasmBytes []byte) (wasmengine.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.handlers[string(wasmBytes)]
	if !ok {
		return nil, wasmerr.Wrap(wasmerr.KindInvalidWasm, "enginetest.Compile", ErrInvalidWasm)
	}
	return &module{reg: reg}, nil
}

func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close has been called, for tests asserting
// lifecycle cleanup.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type module struct {
	reg    registration
	closed bool
}

var _ wasmengine.CompiledModule = (*module)(nil)

func (m *module) Instantiate(_ context.Context, cfg wasmengine.InstanceConfig) (wasmengine.Instance, error) {
	limitBytes := uint32(0)
	if cfg.MemoryLimitPages > 0 {
		limitBytes = cfg.MemoryLimitPages * pageSize
	}
	return &instance{
		reg:    m.reg,
		mem:    newMemory(limitBytes),
		onCall: cfg.OnCall,
	}, nil
}

func (m *module) Close(context.Context) error {
	m.closed = true
	return nil
}

type instance struct {
	reg    registration
	mem    *memory
	onCall func()

	outputPtr uint32
	outputLen uint32
	closed    bool
}

var _ wasmengine.Instance = (*instance)(nil)

func (i *instance) Memory() (wasmengine.Memory, bool) {
	return i.mem, true
}

func (i *instance) CallProcess(ctx context.Context, inputPtr, inputLen, _, _ uint32) (int32, error) {
	if i.onCall != nil {
		i.onCall()
	}
	input, ok := i.mem.Read(inputPtr, inputLen)
	if !ok {
		return 0, fmt.Errorf("enginetest: input out of bounds")
	}
	output, code, err := i.reg.fn(ctx, input)
	if err != nil {
		return 0, err
	}
	ptr, ok := i.mem.bumpAlloc(uint32(len(output)))
	if !ok {
		return 0, fmt.Errorf("enginetest: out of memory writing output")
	}
	if !i.mem.Write(ptr, output) {
		return 0, fmt.Errorf("enginetest: out of memory writing output")
	}
	i.outputPtr, i.outputLen = ptr, uint32(len(output))
	return code, nil
}

func (i *instance) ExportedFunc(name string) (func(ctx context.Context, args ...uint64) ([]uint64, error), bool) {
	switch name {
	case "alloc":
		if i.reg.noAlloc {
			return nil, false
		}
		return func(_ context.Context, args ...uint64) ([]uint64, error) {
			ptr, _ := i.mem.bumpAlloc(uint32(args[0]))
			return []uint64{uint64(ptr)}, nil
		}, true
	case "dealloc":
		if i.reg.noAlloc {
			return nil, false
		}
		return func(_ context.Context, _ ...uint64) ([]uint64, error) {
			return nil, nil
		}, true
	case "get_output_ptr":
		if i.reg.noOutput {
			return nil, false
		}
		return func(_ context.Context, _ ...uint64) ([]uint64, error) {
			return []uint64{uint64(i.outputPtr)}, nil
		}, true
	case "get_output_len":
		if i.reg.noOutput {
			return nil, false
		}
		return func(_ context.Context, _ ...uint64) ([]uint64, error) {
			return []uint64{uint64(i.outputLen)}, nil
		}, true
	default:
		return nil, false
	}
}

func (i *instance) Close(context.Context) error {
	i.closed = true
	return nil
}

// memory is a growable byte buffer implementing wasmengine.Memory, with a
// simple bump allocator standing in for a guest's real alloc export.
type memory struct {
	buf    []byte
	limit  uint32 // 0 means unlimited
	bumpAt uint32
}

func newMemory(limitBytes uint32) *memory {
	return &memory{buf: make([]byte, pageSize), limit: limitBytes, bumpAt: 0}
}

func (m *memory) Size() uint32 { return uint32(len(m.buf)) }

func (m *memory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	out := make([]byte, byteCount)
	copy(out, m.buf[offset:end])
	return out, true
}

func (m *memory) Write(offset uint32, data []byte) bool {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:end], data)
	return true
}

func (m *memory) Grow(deltaPages uint32) (uint32, bool) {
	prevPages := uint32(len(m.buf)) / pageSize
	newSize := uint64(len(m.buf)) + uint64(deltaPages)*pageSize
	if m.limit != 0 && newSize > uint64(m.limit) {
		return prevPages, false
	}
	m.buf = append(m.buf, make([]byte, uint64(deltaPages)*pageSize)...)
	return prevPages, true
}

// bumpAlloc reserves n bytes at the end of the currently-used region,
// growing memory (by whole pages) if needed. ok is false if growth would
// exceed the configured limit.
func (m *memory) bumpAlloc(n uint32) (ptr uint32, ok bool) {
	ptr = m.bumpAt
	needed := uint64(ptr) + uint64(n)
	if needed > uint64(len(m.buf)) {
		deltaBytes := needed - uint64(len(m.buf))
		deltaPages := uint32((deltaBytes + pageSize - 1) / pageSize)
		if _, ok := m.Grow(deltaPages); !ok {
			return 0, false
		}
	}
	m.bumpAt += n
	return ptr, true
}
