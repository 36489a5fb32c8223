package executor

import (
	"context"
	"unicode/utf8"

	"github.com/wasmcore/wasmcore/internal/wasmengine"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// fixedInputOffset is where input bytes are written when the guest does
// not export alloc (spec.md §4.2.1's "reserved low region"). Guests
// without alloc are expected to read input from here and, if they also
// lack get_output_ptr/get_output_len, to write their output length as a
// little-endian u32 at fixedOutputLenOffset and the output bytes
// starting at fixedOutputDataOffset — this repository's own convention
// for the "agreed fixed region" spec.md §4.2.1 leaves unspecified,
// recorded in DESIGN.md.
const (
	fixedOutputLenOffset  = 0
	fixedOutputDataOffset = 4
	fixedInputOffset      = 4096
)

// writeInput marshals input into the instance's memory, preferring the
// guest's alloc export and falling back to the fixed region (spec.md
// §4.2.1). Returns the pointer to use when calling process.
func writeInput(ctx context.Context, inst wasmengine.Instance, mem wasmengine.Memory, input []byte) (ptr uint32, dealloc func(context.Context), err error) {
	const op = "Executor.Execute"

	if allocFn, ok := inst.ExportedFunc("alloc"); ok {
		results, callErr := allocFn(ctx, uint64(len(input)))
		if callErr != nil {
			return 0, nil, wasmerr.Wrap(wasmerr.KindRuntimeError, op, callErr)
		}
		if len(results) != 1 {
			return 0, nil, wasmerr.New(wasmerr.KindRuntimeError, op)
		}
		ptr = uint32(results[0])
		if !mem.Write(ptr, input) {
			return 0, nil, wasmerr.New(wasmerr.KindOutOfMemory, op)
		}
		deallocFn, hasDealloc := inst.ExportedFunc("dealloc")
		if !hasDealloc {
			return ptr, func(context.Context) {}, nil
		}
		return ptr, func(ctx context.Context) { _, _ = deallocFn(ctx, uint64(ptr), uint64(len(input))) }, nil
	}

	needed := fixedInputOffset + uint32(len(input))
	if needed > mem.Size() {
		deltaBytes := needed - mem.Size()
		deltaPages := uint32((deltaBytes + bytesPerPage - 1) / bytesPerPage)
		if _, ok := mem.Grow(deltaPages); !ok {
			return 0, nil, wasmerr.New(wasmerr.KindOutOfMemory, op)
		}
	}
	if !mem.Write(fixedInputOffset, input) {
		return 0, nil, wasmerr.New(wasmerr.KindOutOfMemory, op)
	}
	return fixedInputOffset, func(context.Context) {}, nil
}

// readOutput retrieves the guest's result bytes via get_output_ptr/
// get_output_len when exported, otherwise via the fixed output region.
func readOutput(ctx context.Context, inst wasmengine.Instance, mem wasmengine.Memory) ([]byte, error) {
	const op = "Executor.Execute"

	ptrFn, hasPtr := inst.ExportedFunc("get_output_ptr")
	lenFn, hasLen := inst.ExportedFunc("get_output_len")

	var ptr, length uint32
	if hasPtr && hasLen {
		ptrResults, err := ptrFn(ctx)
		if err != nil || len(ptrResults) != 1 {
			return nil, wasmerr.New(wasmerr.KindRuntimeError, op)
		}
		lenResults, err := lenFn(ctx)
		if err != nil || len(lenResults) != 1 {
			return nil, wasmerr.New(wasmerr.KindRuntimeError, op)
		}
		ptr, length = uint32(ptrResults[0]), uint32(lenResults[0])
	} else {
		lenBytes, ok := mem.Read(fixedOutputLenOffset, 4)
		if !ok {
			return nil, wasmerr.New(wasmerr.KindMissingExport, op)
		}
		length = uint32(lenBytes[0]) | uint32(lenBytes[1])<<8 | uint32(lenBytes[2])<<16 | uint32(lenBytes[3])<<24
		ptr = fixedOutputDataOffset
	}

	if length > MaxOutputBytes {
		return nil, wasmerr.New(wasmerr.KindOutputTooLarge, op)
	}
	output, ok := mem.Read(ptr, length)
	if !ok {
		return nil, wasmerr.New(wasmerr.KindRuntimeError, op)
	}
	return output, nil
}

// validateUTF8 enforces spec.md §4.2's "decode as UTF-8" step.
func validateUTF8(output []byte) error {
	if !utf8.Valid(output) {
		return wasmerr.New(wasmerr.KindInvalidUtf8, "Executor.Execute")
	}
	return nil
}
