package executor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/tracer"
	"github.com/wasmcore/wasmcore/internal/wasmengine"
	"github.com/wasmcore/wasmcore/internal/wasmengine/enginetest"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// fakeRegistry implements CompiledModuleSource directly over a map, so
// executor tests don't need a real filesystem-backed Registry.
type fakeRegistry struct {
	modules map[idgen.ID]wasmengine.CompiledModule
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{modules: make(map[idgen.ID]wasmengine.CompiledModule)}
}

func (r *fakeRegistry) Get(_ context.Context, id idgen.ID) (wasmengine.CompiledModule, error) {
	m, ok := r.modules[id]
	if !ok {
		return nil, wasmerr.New(wasmerr.KindBinaryNotFound, "fakeRegistry.Get")
	}
	return m, nil
}

func (r *fakeRegistry) register(t *testing.T, engine *enginetest.Engine, wasmBytes []byte) idgen.ID {
	t.Helper()
	id, err := idgen.New()
	require.NoError(t, err)
	module, err := engine.Compile(context.Background(), wasmBytes)
	require.NoError(t, err)
	r.modules[id] = module
	return id
}

func TestExecuteUppercaseRoundTrip(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("uppercase")
	engine.Register(bin, func(_ context.Context, input []byte) ([]byte, int32, error) {
		return bytes.ToUpper(input), CodeSuccess, nil
	})

	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, tracer.New(10, true), nil)
	result, err := ex.Execute(context.Background(), id, []byte("hello"), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, CodeSuccess, result.ReturnCode)
	assert.Equal(t, "HELLO", string(result.Output))
	assert.Equal(t, id, result.BinaryID)
}

func TestExecuteUnknownBinaryIsBinaryNotFound(t *testing.T) {
	reg := newFakeRegistry()
	ex := New(reg, nil, nil)

	unknown, err := idgen.New()
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), unknown, []byte("x"), DefaultConfig())
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindBinaryNotFound, kind)
}

func TestExecuteInvalidConfigIsInvalidRequest(t *testing.T) {
	reg := newFakeRegistry()
	ex := New(reg, nil, nil)
	id, _ := idgen.New()

	_, err := ex.Execute(context.Background(), id, []byte("x"), Config{TimeoutMS: 0, MemoryLimitMB: 9999})
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindInvalidRequest, kind)
}

func TestExecutePluginErrorCodeIsNotAGoError(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("parse-error-plugin")
	engine.Register(bin, func(_ context.Context, _ []byte) ([]byte, int32, error) {
		return nil, CodeParseError, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	result, err := ex.Execute(context.Background(), id, []byte("bad"), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, CodeParseError, result.ReturnCode)
}

func TestExecuteNonUTF8OutputIsInvalidUtf8(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("binary-output-plugin")
	engine.Register(bin, func(_ context.Context, _ []byte) ([]byte, int32, error) {
		return []byte{0xff, 0xfe, 0xfd}, CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, []byte("x"), DefaultConfig())
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindInvalidUtf8, kind)
}

func TestExecuteOversizedOutputIsOutputTooLarge(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("huge-output-plugin")
	engine.Register(bin, func(_ context.Context, _ []byte) ([]byte, int32, error) {
		return make([]byte, MaxOutputBytes+1), CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, []byte("x"), DefaultConfig())
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindOutputTooLarge, kind)
}

func TestExecuteOversizedInputIsInputTooLarge(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("any-plugin")
	engine.Register(bin, func(_ context.Context, input []byte) ([]byte, int32, error) {
		return input, CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, make([]byte, MaxInputBytes+1), DefaultConfig())
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindInputTooLarge, kind)
}

func TestExecuteGuestTrapIsRuntimeError(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("trapping-plugin")
	engine.Register(bin, func(_ context.Context, _ []byte) ([]byte, int32, error) {
		return nil, 0, assertTrap{}
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, []byte("x"), DefaultConfig())
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindRuntimeError, kind)
}

func TestExecuteWallClockTimeoutWins(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("slow-plugin")
	engine.Register(bin, func(ctx context.Context, _ []byte) ([]byte, int32, error) {
		select {
		case <-time.After(time.Second):
			return []byte("too slow"), CodeSuccess, nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, []byte("x"), Config{TimeoutMS: 50, MemoryLimitMB: 16})
	require.Error(t, err)
	kind, _ := wasmerr.Of(err)
	assert.Equal(t, wasmerr.KindExecutionTimeout, kind)
}

func TestExecuteFixedRegionFallbackWhenNoAllocExports(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("no-alloc-plugin")
	engine.RegisterNoAlloc(bin, func(_ context.Context, input []byte) ([]byte, int32, error) {
		return []byte(strings.ToUpper(string(input))), CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	result, err := ex.Execute(context.Background(), id, []byte("fixed"), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "FIXED", string(result.Output))
}

func TestExecuteFixedOutputRegionFallbackWhenNoOutputExports(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("no-output-exports-plugin")
	engine.RegisterNoOutputExports(bin, func(_ context.Context, input []byte) ([]byte, int32, error) {
		return []byte(strings.ToUpper(string(input))), CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	ex := New(reg, nil, nil)
	_, err := ex.Execute(context.Background(), id, []byte("fixed"), DefaultConfig())
	// The fake's CallProcess always records outputPtr/outputLen via the
	// bump allocator and never writes the fixed-region length header
	// readOutput's fallback expects. The alloc export placed the input at
	// offset 0, so the fallback reads "fixe" as a little-endian length far
	// over MaxOutputBytes and the call fails with OutputTooLarge rather
	// than returning a silent wrong answer.
	require.Error(t, err)
}

func TestExecuteTracesLifecycleEvents(t *testing.T) {
	engine := enginetest.New()
	bin := []byte("traced-plugin")
	engine.Register(bin, func(_ context.Context, input []byte) ([]byte, int32, error) {
		return input, CodeSuccess, nil
	})
	reg := newFakeRegistry()
	id := reg.register(t, engine, bin)

	tr := tracer.New(10, true)
	ex := New(reg, tr, nil)
	_, err := ex.Execute(context.Background(), id, []byte("hi"), DefaultConfig())
	require.NoError(t, err)

	trace := tr.Get(id)
	require.NotNil(t, trace)
	assert.True(t, trace.Success)
	assert.GreaterOrEqual(t, len(trace.Events), 2)
}

type assertTrap struct{}

func (assertTrap) Error() string { return "simulated guest trap" }
