package executor

import "github.com/wasmcore/wasmcore/internal/wasmerr"

const (
	minTimeoutMS = 1
	maxTimeoutMS = 60_000
	defTimeoutMS = 5_000

	minMemoryLimitMB = 1
	maxMemoryLimitMB = 512
	defMemoryLimitMB = 64

	// MaxOutputBytes is spec.md §4.2.1's 10 MB output ceiling.
	MaxOutputBytes = 10 * 1024 * 1024

	// MaxInputBytes mirrors MaxOutputBytes on the way in: spec.md §3's
	// "Inputs exceeding bounds are rejected before execution" needs a
	// concrete ceiling, and 10 MB is the same bound the ABI already
	// enforces on the way out.
	MaxInputBytes = 10 * 1024 * 1024

	bytesPerPage = 65536
	bytesPerMB   = 1024 * 1024

	// fuelPerMillisecond calibrates the initial fuel budget to
	// timeout_ms (spec.md §4.2's "Fuel-to-time mapping"): one unit of
	// fuel per host/guest boundary crossing, budgeted generously enough
	// that typical guest code exhausts it around the requested timeout
	// without the wall-clock watchdog (the authoritative backstop)
	// needing to fire first on a healthy host.
	fuelPerMillisecond = 1000
)

// Config is spec.md §3's ExecutionConfig.
type Config struct {
	TimeoutMS     uint64
	MemoryLimitMB uint64
}

// DefaultConfig returns the spec.md §3 defaults: 5000ms, 64MB.
func DefaultConfig() Config {
	return Config{TimeoutMS: defTimeoutMS, MemoryLimitMB: defMemoryLimitMB}
}

// WithDefaults fills zero fields with spec.md §3 defaults, matching a
// client omitting ExecutionConfig entirely.
func (c Config) WithDefaults() Config {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = defTimeoutMS
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = defMemoryLimitMB
	}
	return c
}

// Validate rejects a Config outside spec.md §3's documented bounds before
// any execution is attempted.
func (c Config) Validate() error {
	const op = "Executor.Execute"
	if c.TimeoutMS < minTimeoutMS || c.TimeoutMS > maxTimeoutMS {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	if c.MemoryLimitMB < minMemoryLimitMB || c.MemoryLimitMB > maxMemoryLimitMB {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	return nil
}

func (c Config) memoryLimitPages() uint32 {
	return uint32(c.MemoryLimitMB * bytesPerMB / bytesPerPage)
}

// MaxMemoryLimitPages returns the page count for maxMemoryLimitMB, the
// hard ceiling spec.md §3 allows any single ExecutionConfig to request.
// The engine is constructed once against this ceiling; individual calls
// enforce their own (smaller-or-equal) Config.MemoryLimitMB on top of it.
func MaxMemoryLimitPages() uint32 {
	return Config{MemoryLimitMB: maxMemoryLimitMB}.memoryLimitPages()
}

func (c Config) fuelBudget() uint64 {
	return c.TimeoutMS * fuelPerMillisecond
}
