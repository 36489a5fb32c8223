// Package wasmengine is the boundary between the runtime subsystem
// (Registry, Executor) and the concrete WebAssembly runtime library. The
// Registry and Executor program against these interfaces only; production
// code wires WazeroEngine (wazero.go), tests can wire a fake.
package wasmengine

import "context"

// Memory is the guest's linear memory, the host/guest data exchange
// surface described in spec.md §4.2.1.
type Memory interface {
	// Size returns the current memory size in bytes.
	Size() uint32
	// Read returns a view of byteCount bytes starting at offset, or false
	// if the range is out of bounds.
	Read(offset, byteCount uint32) ([]byte, bool)
	// Write copies data into memory starting at offset, or returns false
	// if the range is out of bounds.
	Write(offset uint32, data []byte) bool
	// Grow grows memory by deltaPages 64KiB pages, returning the previous
	// size in pages and whether the grow succeeded (it fails once the
	// configured memory limit, or the module's own max, is reached).
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// HostLogFunc is invoked when the guest calls the host "log" import.
type HostLogFunc func(ctx context.Context, message string)

// InstanceConfig configures one call's worth of sandboxing.
type InstanceConfig struct {
	MemoryLimitPages uint32
	OnLog            HostLogFunc
	// OnCall is invoked once per function call crossing the host/guest
	// boundary (guest exports and host imports alike); the Executor uses
	// it to drive fuel accounting (SPEC_FULL.md §11.2).
	OnCall func()
}

// Engine compiles WASM byte slices into CompiledModules. One Engine is
// shared process-wide; it is read-only once constructed (spec.md §4.2.3).
type Engine interface {
	Compile(ctx context.Context, wasmBytes []byte) (CompiledModule, error)
	Close(ctx context.Context) error
}

// CompiledModule is an immutable, engine-specific compiled form of a WASM
// binary, owned exclusively by the Registry for its lifetime in the cache
// (spec.md §3).
type CompiledModule interface {
	// Instantiate creates a fresh Instance for a single call. Never reused
	// across calls (spec.md §4.2).
	Instantiate(ctx context.Context, cfg InstanceConfig) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a per-call materialization of a CompiledModule with its own
// linear memory and store.
type Instance interface {
	Memory() (Memory, bool)
	// CallProcess invokes the guest's process(input_ptr, input_len,
	// env_ptr, env_len) -> i32 export.
	CallProcess(ctx context.Context, inputPtr, inputLen, envPtr, envLen uint32) (int32, error)
	// ExportedFunc looks up an optional export by name (alloc, dealloc,
	// get_output_ptr, get_output_len); ok is false if the guest does not
	// export it.
	ExportedFunc(name string) (fn func(ctx context.Context, args ...uint64) ([]uint64, error), ok bool)
	Close(ctx context.Context) error
}
