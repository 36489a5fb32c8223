package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/pipeline"
	"github.com/wasmcore/wasmcore/internal/registry"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

type fakeRegistry struct {
	loadFn   func(ctx context.Context, path string) (idgen.ID, error)
	listFn   func() []registry.Metadata
	unloadFn func(ctx context.Context, id idgen.ID) error
}

func (f *fakeRegistry) Load(ctx context.Context, path string) (idgen.ID, error) {
	return f.loadFn(ctx, path)
}
func (f *fakeRegistry) List() []registry.Metadata { return f.listFn() }
func (f *fakeRegistry) Unload(ctx context.Context, id idgen.ID) error {
	return f.unloadFn(ctx, id)
}

type fakeExecutor struct {
	executeFn func(ctx context.Context, id idgen.ID, input []byte, cfg executor.Config) (executor.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, id idgen.ID, input []byte, cfg executor.Config) (executor.Result, error) {
	return f.executeFn(ctx, id, input, cfg)
}

type fakeDriver struct {
	runFn func(ctx context.Context, ids []idgen.ID, input []byte, cfg executor.Config) (pipeline.Result, error)
}

func (f *fakeDriver) Run(ctx context.Context, ids []idgen.ID, input []byte, cfg executor.Config) (pipeline.Result, error) {
	return f.runFn(ctx, ids, input, cfg)
}

func startTestServer(t *testing.T, reg Registry, exec Executor, driver Driver) (string, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "wasm-core.sock")
	srv := New(Config{SocketPath: socketPath}, reg, exec, driver, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		_, err := net.Dial("unix", socketPath)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	return socketPath, func() {
		cancel()
		<-done
	}
}

func sendRequest(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestLoadBinaryDispatch(t *testing.T) {
	id, err := idgen.New()
	require.NoError(t, err)
	reg := &fakeRegistry{loadFn: func(_ context.Context, path string) (idgen.ID, error) {
		assert.Equal(t, "/plugins/uppercase.wasm", path)
		return id, nil
	}}

	socketPath, stop := startTestServer(t, reg, &fakeExecutor{}, &fakeDriver{})
	defer stop()

	payload, _ := json.Marshal(LoadBinaryPayload{Path: "/plugins/uppercase.wasm"})
	resp := sendRequest(t, socketPath, Request{Type: TypeLoadBinary, Payload: payload})

	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, id.String(), data["binary_id"])
}

func TestLoadBinaryErrorIsClassified(t *testing.T) {
	reg := &fakeRegistry{loadFn: func(context.Context, string) (idgen.ID, error) {
		return idgen.Nil, wasmerr.New(wasmerr.KindFileNotFound, "Registry.Load")
	}}
	socketPath, stop := startTestServer(t, reg, &fakeExecutor{}, &fakeDriver{})
	defer stop()

	payload, _ := json.Marshal(LoadBinaryPayload{Path: "/missing.wasm"})
	resp := sendRequest(t, socketPath, Request{Type: TypeLoadBinary, Payload: payload})

	assert.False(t, resp.Success)
	assert.Equal(t, string(wasmerr.KindFileNotFound), resp.Error)
}

func TestExecuteDispatch(t *testing.T) {
	id, err := idgen.New()
	require.NoError(t, err)
	exec := &fakeExecutor{executeFn: func(_ context.Context, gotID idgen.ID, input []byte, _ executor.Config) (executor.Result, error) {
		assert.Equal(t, id, gotID)
		assert.Equal(t, "hello", string(input))
		return executor.Result{BinaryID: id, ReturnCode: 0, Output: []byte("HELLO"), ExecutionTimeMS: 3, FuelConsumed: 10}, nil
	}}

	socketPath, stop := startTestServer(t, &fakeRegistry{}, exec, &fakeDriver{})
	defer stop()

	payload, _ := json.Marshal(ExecutePayload{BinaryID: id.String(), Input: "hello"})
	resp := sendRequest(t, socketPath, Request{Type: TypeExecute, Payload: payload})

	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "HELLO", data["output"])
}

func TestUnknownRequestTypeIsInvalidRequest(t *testing.T) {
	socketPath, stop := startTestServer(t, &fakeRegistry{}, &fakeExecutor{}, &fakeDriver{})
	defer stop()

	resp := sendRequest(t, socketPath, Request{Type: "NotARealType", Payload: json.RawMessage("{}")})
	assert.False(t, resp.Success)
	assert.Equal(t, string(wasmerr.KindInvalidRequest), resp.Error)
}

func TestListBinariesDispatch(t *testing.T) {
	md := registry.Metadata{SourcePath: "/a.wasm", ByteSize: 128}
	reg := &fakeRegistry{listFn: func() []registry.Metadata { return []registry.Metadata{md} }}

	socketPath, stop := startTestServer(t, reg, &fakeExecutor{}, &fakeDriver{})
	defer stop()

	resp := sendRequest(t, socketPath, Request{Type: TypeListBinaries, Payload: json.RawMessage("{}")})
	require.True(t, resp.Success)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
}

func TestExecuteChainPartialFailureReportsStageIndex(t *testing.T) {
	driver := &fakeDriver{runFn: func(context.Context, []idgen.ID, []byte, executor.Config) (pipeline.Result, error) {
		return pipeline.Result{Results: []executor.Result{{ReturnCode: 0}}, TotalTimeMS: 5},
			wasmerr.New(wasmerr.KindBinaryNotFound, "PipelineDriver.Run")
	}}

	socketPath, stop := startTestServer(t, &fakeRegistry{}, &fakeExecutor{}, driver)
	defer stop()

	ids := []string{}
	payload, _ := json.Marshal(ExecuteChainPayload{BinaryIDs: ids, Input: "x"})
	resp := sendRequest(t, socketPath, Request{Type: TypeExecuteChain, Payload: payload})

	assert.False(t, resp.Success)
	assert.Equal(t, string(wasmerr.KindBinaryNotFound), resp.Error)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 1, data["failed_stage_index"])
}
