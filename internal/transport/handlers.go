package transport

import (
	"context"
	"encoding/json"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/pipeline"
	"github.com/wasmcore/wasmcore/internal/registry"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

func (s *Server) handleLoadBinary(ctx context.Context, raw json.RawMessage) Response {
	const op = "Server.LoadBinary"
	var payload LoadBinaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, op))
	}

	id, err := s.registry.Load(ctx, payload.Path)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: true, Data: map[string]string{"binary_id": id.String()}}
}

func (s *Server) handleExecute(ctx context.Context, raw json.RawMessage) Response {
	const op = "Server.Execute"
	var payload ExecutePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, op))
	}

	id, err := idgen.Parse(payload.BinaryID)
	if err != nil {
		return errorResponse(wasmerr.Wrap(wasmerr.KindInvalidRequest, op, err))
	}

	cfg := executor.Config{TimeoutMS: payload.Config.TimeoutMS, MemoryLimitMB: payload.Config.MemoryLimitMB}
	result, err := s.executor.Execute(ctx, id, []byte(payload.Input), cfg)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: true, Data: executionResultView(result)}
}

func (s *Server) handleExecuteChain(ctx context.Context, raw json.RawMessage) Response {
	const op = "Server.ExecuteChain"
	var payload ExecuteChainPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, op))
	}

	ids := make([]idgen.ID, 0, len(payload.BinaryIDs))
	for _, rawID := range payload.BinaryIDs {
		id, err := idgen.Parse(rawID)
		if err != nil {
			return errorResponse(wasmerr.Wrap(wasmerr.KindInvalidRequest, op, err))
		}
		ids = append(ids, id)
	}

	cfg := executor.Config{TimeoutMS: payload.Config.TimeoutMS, MemoryLimitMB: payload.Config.MemoryLimitMB}
	result, err := s.driver.Run(ctx, ids, []byte(payload.Input), cfg)
	if err != nil {
		view := chainResultView(result)
		failedIdx := len(result.Results)
		view.FailedStageIdx = &failedIdx
		classified := wasmerr.AsWasmErr(op, err)
		return Response{Success: false, Error: string(classified.Kind), Data: view}
	}
	return Response{Success: true, Data: chainResultView(result)}
}

func (s *Server) handleListBinaries() Response {
	list := s.registry.List()
	views := make([]BinaryMetadataView, 0, len(list))
	for _, md := range list {
		views = append(views, binaryMetadataView(md))
	}
	return Response{Success: true, Data: views}
}

func (s *Server) handleUnloadBinary(ctx context.Context, raw json.RawMessage) Response {
	const op = "Server.UnloadBinary"
	var payload UnloadBinaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, op))
	}

	id, err := idgen.Parse(payload.BinaryID)
	if err != nil {
		return errorResponse(wasmerr.Wrap(wasmerr.KindInvalidRequest, op, err))
	}
	if err := s.registry.Unload(ctx, id); err != nil {
		return errorResponse(err)
	}
	return Response{Success: true}
}

func binaryMetadataView(md registry.Metadata) BinaryMetadataView {
	return BinaryMetadataView{
		ID:          md.ID.String(),
		SourcePath:  md.SourcePath,
		ByteSize:    md.ByteSize,
		LoadedAt:    md.LoadedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		ContentHash: md.ContentHash.String(),
	}
}

func executionResultView(r executor.Result) ExecutionResultView {
	return ExecutionResultView{
		BinaryID:        r.BinaryID.String(),
		ReturnCode:      r.ReturnCode,
		Output:          string(r.Output),
		ExecutionTimeMS: r.ExecutionTimeMS,
		FuelConsumed:    r.FuelConsumed,
	}
}

func chainResultView(r pipeline.Result) ChainResultView {
	views := make([]ExecutionResultView, 0, len(r.Results))
	for _, stage := range r.Results {
		views = append(views, executionResultView(stage))
	}
	return ChainResultView{Results: views, TotalTimeMS: r.TotalTimeMS}
}
