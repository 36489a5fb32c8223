package executor

import (
	"github.com/wasmcore/wasmcore/internal/idgen"
)

// Plugin-defined negative return codes spec.md §4.2.1 reserves. A guest
// may return any negative i32; these are the ones with agreed meaning.
const (
	CodeSuccess        int32 = 0
	CodeInvalidUtf8    int32 = -1
	CodeInvalidInput   int32 = -2
	CodeBufferOverflow int32 = -3
	CodeAllocFailure   int32 = -4
	CodeParseError     int32 = -5
	CodeEnvParsing     int32 = -6
	CodeUnknown        int32 = -99
)

// Result is spec.md §3's ExecutionResult.
type Result struct {
	BinaryID        idgen.ID
	ReturnCode      int32
	Output          []byte
	ExecutionTimeMS int64
	FuelConsumed    uint64
}
