package transport

import "encoding/json"

// RequestType is one of the closed set of request kinds spec.md §6
// names; dispatch is a single switch over this set.
type RequestType string

const (
	TypeLoadBinary   RequestType = "LoadBinary"
	TypeExecute      RequestType = "Execute"
	TypeExecuteChain RequestType = "ExecuteChain"
	TypeListBinaries RequestType = "ListBinaries"
	TypeUnloadBinary RequestType = "UnloadBinary"
)

// Request is the wire envelope spec.md §6 describes:
// {"type": T, "payload": P}.
type Request struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the wire envelope spec.md §6 describes:
// {"success": bool, "data"?: object, "error"?: string}.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ConfigPayload is the wire form of executor.Config.
type ConfigPayload struct {
	TimeoutMS     uint64 `json:"timeout_ms,omitempty"`
	MemoryLimitMB uint64 `json:"memory_limit_mb,omitempty"`
}

// LoadBinaryPayload is LoadBinary's request payload.
type LoadBinaryPayload struct {
	Path string `json:"path"`
}

// ExecutePayload is Execute's request payload. Input is plain text: the
// protocol is textual (spec.md §4.2 step 8's note), not base64.
type ExecutePayload struct {
	BinaryID string        `json:"binary_id"`
	Input    string        `json:"input"`
	Config   ConfigPayload `json:"config"`
}

// ExecuteChainPayload is ExecuteChain's request payload.
type ExecuteChainPayload struct {
	BinaryIDs []string      `json:"binary_ids"`
	Input     string        `json:"input"`
	Config    ConfigPayload `json:"config"`
}

// UnloadBinaryPayload is UnloadBinary's request payload.
type UnloadBinaryPayload struct {
	BinaryID string `json:"binary_id"`
}

// BinaryMetadataView is one List/Load response entry, the wire
// projection of registry.Metadata.
type BinaryMetadataView struct {
	ID          string `json:"id"`
	SourcePath  string `json:"source_path"`
	ByteSize    int64  `json:"byte_size"`
	LoadedAt    string `json:"loaded_at"`
	ContentHash string `json:"content_hash"`
}

// ExecutionResultView is the wire projection of executor.Result.
type ExecutionResultView struct {
	BinaryID        string `json:"binary_id"`
	ReturnCode      int32  `json:"return_code"`
	Output          string `json:"output"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	FuelConsumed    uint64 `json:"fuel_consumed"`
}

// ChainResultView is the wire projection of pipeline.Result.
type ChainResultView struct {
	Results        []ExecutionResultView `json:"results"`
	TotalTimeMS    int64                 `json:"total_time_ms"`
	FailedStageIdx *int                  `json:"failed_stage_index,omitempty"`
}
