package wasmengine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// wasmPageSize is the 64KiB WASM linear-memory page, per the core spec.
const wasmPageSize = 65536

// WazeroEngine is the production Engine, backed by
// github.com/tetratelabs/wazero — a pure-Go WASM runtime, so the sandbox
// carries no cgo or subprocess boundary (spec.md §4.2.3's isolation
// guarantees hold inside a single OS process).
type WazeroEngine struct {
	runtime wazero.Runtime
}

var _ Engine = (*WazeroEngine)(nil)

// NewWazeroEngine constructs the shared, read-only engine. maxMemoryPages
// bounds every instance's linear memory regardless of per-call
// ExecutionConfig — a process-wide hard ceiling. Individual calls enforce
// their own, smaller-or-equal InstanceConfig.MemoryLimitPages on top of it
// via a per-call experimental.MemoryAllocator installed in Instantiate,
// since RuntimeConfig's limit is fixed once for the runtime's lifetime.
func NewWazeroEngine(ctx context.Context, maxMemoryPages uint32) (*WazeroEngine, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	if maxMemoryPages > 0 {
		cfg = cfg.WithMemoryLimitPages(maxMemoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &WazeroEngine{runtime: rt}, nil
}

func (e *WazeroEngine) Compile(ctx context.Context, wasmBytes []byte) (CompiledModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}
	return &wazeroModule{runtime: e.runtime, compiled: compiled}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

type wazeroModule struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

var _ CompiledModule = (*wazeroModule)(nil)

func (m *wazeroModule) Instantiate(ctx context.Context, cfg InstanceConfig) (Instance, error) {
	if cfg.OnCall != nil {
		ctx = experimental.WithFunctionListenerFactory(ctx, callCountingFactory{onCall: cfg.OnCall})
	}

	hostModule, err := buildHostModule(ctx, m.runtime, cfg)
	if err != nil {
		return nil, err
	}

	moduleCfg := wazero.NewModuleConfig().
		WithName("").
		// spec.md §4.2.3: no preopens, no inherited stdio, no network.
		WithStartFunctions()

	// Per spec.md §4.2 step 2, this call's own memory_limit_mb caps growth
	// independently of the engine-wide ceiling baked into the runtime at
	// construction. RuntimeConfig.WithMemoryLimitPages only applies once,
	// for the runtime's whole lifetime, so a tighter per-call cap is
	// enforced by installing a bounded MemoryAllocator for this
	// instantiation only.
	var allocator *boundedMemoryAllocator
	if cfg.MemoryLimitPages > 0 {
		allocator = newBoundedMemoryAllocator(uint64(cfg.MemoryLimitPages) * wasmPageSize)
		ctx = experimental.WithMemoryAllocator(ctx, allocator)
	}

	guest, err := m.runtime.InstantiateModule(ctx, m.compiled, moduleCfg)
	if err != nil {
		if hostModule != nil {
			_ = hostModule.Close(ctx)
		}
		return nil, err
	}
	return &wazeroInstance{module: guest, hostModule: hostModule}, nil
}

func (m *wazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

type wazeroInstance struct {
	module     api.Module
	hostModule api.Closer
}

var _ Instance = (*wazeroInstance)(nil)

func (i *wazeroInstance) Memory() (Memory, bool) {
	mem := i.module.Memory()
	if mem == nil {
		return nil, false
	}
	return wazeroMemory{mem}, true
}

func (i *wazeroInstance) CallProcess(ctx context.Context, inputPtr, inputLen, envPtr, envLen uint32) (int32, error) {
	fn := i.module.ExportedFunction("process")
	if fn == nil {
		return 0, fmt.Errorf("wasmengine: guest does not export process")
	}
	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen), uint64(envPtr), uint64(envLen))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("wasmengine: process returned %d values, want 1", len(results))
	}
	return int32(uint32(results[0])), nil
}

func (i *wazeroInstance) ExportedFunc(name string) (func(ctx context.Context, args ...uint64) ([]uint64, error), bool) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, false
	}
	return func(ctx context.Context, args ...uint64) ([]uint64, error) {
		return fn.Call(ctx, args...)
	}, true
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	err := i.module.Close(ctx)
	if i.hostModule != nil {
		if hostErr := i.hostModule.Close(ctx); err == nil {
			err = hostErr
		}
	}
	return err
}

type wazeroMemory struct {
	mem api.Memory
}

func (m wazeroMemory) Size() uint32 { return m.mem.Size() }

func (m wazeroMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	return m.mem.Read(offset, byteCount)
}

func (m wazeroMemory) Write(offset uint32, data []byte) bool {
	return m.mem.Write(offset, data)
}

func (m wazeroMemory) Grow(deltaPages uint32) (uint32, bool) {
	return m.mem.Grow(deltaPages)
}

// boundedMemoryAllocator is an experimental.MemoryAllocator that refuses
// to grow a guest's linear memory past limitBytes, independent of the
// module's own declared max and the engine-wide ceiling. One instance is
// scoped to a single Instantiate call (spec.md §4.2 step 2).
type boundedMemoryAllocator struct {
	limitBytes uint64
	buf        []byte
}

func newBoundedMemoryAllocator(limitBytes uint64) *boundedMemoryAllocator {
	return &boundedMemoryAllocator{limitBytes: limitBytes}
}

func (a *boundedMemoryAllocator) Make(min, cap, max uint64) []byte {
	if max > a.limitBytes {
		max = a.limitBytes
	}
	if cap > max {
		cap = max
	}
	if min > max {
		min = max
	}
	a.buf = make([]byte, min, cap)
	return a.buf
}

// Grow returns nil once size would exceed limitBytes, which the guest
// observes as memory.grow failing (OutOfMemory), per spec.md §4.2 step 2.
func (a *boundedMemoryAllocator) Grow(size uint64) []byte {
	if size > a.limitBytes {
		return nil
	}
	if uint64(cap(a.buf)) < size {
		grown := make([]byte, size)
		copy(grown, a.buf)
		a.buf = grown
		return a.buf
	}
	a.buf = a.buf[:size]
	return a.buf
}

func (a *boundedMemoryAllocator) Free() {
	a.buf = nil
}

// callCountingFactory drives fuel accounting (SPEC_FULL.md §11.2): every
// function call crossing the host/guest boundary, in either direction,
// invokes onCall once.
type callCountingFactory struct {
	onCall func()
}

var _ experimental.FunctionListenerFactory = callCountingFactory{}

func (f callCountingFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return callCountingListener{onCall: f.onCall}
}

type callCountingListener struct {
	onCall func()
}

var _ experimental.FunctionListener = callCountingListener{}

func (l callCountingListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
	l.onCall()
}

func (l callCountingListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
}

func (l callCountingListener) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
}
