// Package executor instantiates compiled WASM modules and runs single
// calls under sandboxed, bounded execution (spec.md §4.2).
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/tracer"
	"github.com/wasmcore/wasmcore/internal/tracing"
	"github.com/wasmcore/wasmcore/internal/wasmengine"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// CompiledModuleSource is the subset of *registry.Registry the Executor
// depends on (spec.md §2: "Executor ... Depends on the Registry"),
// narrowed to an interface so tests can supply a fake registry without a
// filesystem-backed metadata store.
type CompiledModuleSource interface {
	Get(ctx context.Context, id idgen.ID) (wasmengine.CompiledModule, error)
}

// Executor is spec.md §4.2's Executor.
type Executor struct {
	registry CompiledModuleSource
	tracer   *tracer.Tracer
	spans    tracing.Tracer
	logger   *zap.Logger
}

// New constructs an Executor. tr and logger may be nil, in which case
// tracing is disabled and logging goes nowhere.
func New(registry CompiledModuleSource, tr *tracer.Tracer, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tr == nil {
		tr = tracer.New(1, false)
	}
	return &Executor{registry: registry, tracer: tr, spans: tracing.New("executor"), logger: logger}
}

// Execute runs one call of binaryID against input under cfg, per the
// ten-step instance lifecycle in spec.md §4.2.
func (e *Executor) Execute(ctx context.Context, binaryID idgen.ID, input []byte, cfg Config) (result Result, retErr error) {
	const op = "Executor.Execute"

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if len(input) > MaxInputBytes {
		return Result{}, wasmerr.New(wasmerr.KindInputTooLarge, op)
	}

	ctx, span := e.spans.Start(ctx, op, attribute.String("binary_id", binaryID.String()))
	defer span.End(&retErr)

	handle := e.tracer.Start(binaryID)
	if handle.Enabled() {
		handle.Append(tracer.EventExecutionStart, "execution start", map[string]interface{}{
			"timeout_ms":      cfg.TimeoutMS,
			"memory_limit_mb": cfg.MemoryLimitMB,
		})
	}
	started := time.Now()
	defer func() {
		if retErr != nil {
			kind, _ := wasmerr.Of(retErr)
			if handle.Enabled() {
				handle.Append(tracer.EventExecutionError, retErr.Error(), map[string]interface{}{"error_kind": string(kind)})
			}
			handle.Close(false, string(kind))
			e.logger.Warn("execution failed", zap.String("binary_id", binaryID.String()), zap.String("error_kind", string(kind)))
		} else {
			if handle.Enabled() {
				handle.Append(tracer.EventExecutionComplete, "execution complete", map[string]interface{}{
					"return_code":   result.ReturnCode,
					"fuel_consumed": result.FuelConsumed,
				})
			}
			handle.Close(true, "")
		}
	}()

	// Step 1: fetch the compiled module.
	module, err := e.registry.Get(ctx, binaryID)
	if err != nil {
		return Result{}, err
	}

	// Steps 2-4: per-call store (memory limit + fuel budget), host
	// imports, instantiate.
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	var fuelConsumed atomic.Uint64
	fuelBudget := cfg.fuelBudget()
	outOfFuel := make(chan struct{}, 1)
	onCall := func() {
		consumed := fuelConsumed.Add(1)
		if consumed == fuelBudget {
			select {
			case outOfFuel <- struct{}{}:
			default:
			}
			cancel()
		}
	}

	instCfg := wasmengine.InstanceConfig{
		MemoryLimitPages: cfg.memoryLimitPages(),
		OnLog: func(ctx context.Context, message string) {
			handle.Append(tracer.EventPluginLog, message, nil)
		},
		OnCall: onCall,
	}

	inst, err := module.Instantiate(callCtx, instCfg)
	if err != nil {
		return Result{}, classifyInstantiateErr(op, err)
	}
	defer func() {
		if closeErr := inst.Close(context.WithoutCancel(ctx)); closeErr != nil {
			retErr = multierr.Append(retErr, wasmerr.Wrap(wasmerr.KindInternal, op, closeErr))
		}
	}()

	// Step 5: locate memory.
	mem, ok := inst.Memory()
	if !ok {
		return Result{}, wasmerr.New(wasmerr.KindMissingExport, op)
	}

	// Step 6: marshal input.
	inputPtr, deallocInput, err := writeInput(callCtx, inst, mem, input)
	if err != nil {
		return Result{}, err
	}
	defer deallocInput(context.WithoutCancel(ctx))

	// Step 7: call process under the wall-clock watchdog (callCtx's
	// deadline), fuel exhaustion racing it via cancel().
	returnCode, callErr := inst.CallProcess(callCtx, inputPtr, uint32(len(input)), 0, 0)
	elapsed := time.Since(started)
	if callErr != nil {
		select {
		case <-outOfFuel:
			return Result{}, wasmerr.Wrap(wasmerr.KindOutOfFuel, op, callErr)
		default:
		}
		if callCtx.Err() != nil {
			return Result{}, wasmerr.Wrap(wasmerr.KindExecutionTimeout, op, callErr)
		}
		return Result{}, wasmerr.Wrap(wasmerr.KindRuntimeError, op, callErr)
	}

	// Step 8: read and decode output.
	output, err := readOutput(callCtx, inst, mem)
	if err != nil {
		return Result{}, err
	}
	if err := validateUTF8(output); err != nil {
		return Result{}, err
	}

	result = Result{
		BinaryID:        binaryID,
		ReturnCode:      returnCode,
		Output:          output,
		ExecutionTimeMS: elapsed.Milliseconds(),
		FuelConsumed:    fuelConsumed.Load(),
	}
	return result, nil
}

// classifyInstantiateErr preserves an already-classified error's kind
// (e.g. a fake engine surfacing ImportMissing directly) and otherwise
// defaults to InstantiationError, spec.md §4.2 step 4's general case.
func classifyInstantiateErr(op string, err error) *wasmerr.Error {
	var existing *wasmerr.Error
	if errors.As(err, &existing) {
		return wasmerr.Wrap(existing.Kind, op, err)
	}
	return wasmerr.Wrap(wasmerr.KindInstantiationError, op, err)
}
