package wasmengine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostStateSentinel is what get_state always returns: SPEC_FULL.md §11.4
// documents get_state/set_state as stubs (spec.md §4.2.2 explicitly
// allows this), kept in the import table so any guest module that
// references them still links, without a real key/value store behind
// them.
const hostStateSentinel = -1

// buildHostModule instantiates the "host" module imports spec.md §4.2.2
// describes: log, get_state, set_state.
func buildHostModule(ctx context.Context, runtime wazero.Runtime, cfg InstanceConfig) (api.Module, error) {
	h := &hostImports{onLog: cfg.OnLog}
	return runtime.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.log), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export("log").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.getState), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithParameterNames("key_ptr", "key_len").
		Export("get_state").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.setState), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{}).
		WithParameterNames("key_ptr", "key_len", "val_ptr", "val_len").
		Export("set_state").
		Instantiate(ctx)
}

type hostImports struct {
	onLog HostLogFunc
}

// log reads the UTF-8 slice the guest wrote at (ptr, len) and forwards it;
// the Executor is what turns this into a PluginLog trace event, not this
// package, which knows nothing about tracing.
func (h *hostImports) log(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, length := uint32(stack[0]), uint32(stack[1])
	if h.onLog == nil {
		return
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	h.onLog(ctx, string(data))
}

func (h *hostImports) getState(_ context.Context, _ api.Module, stack []uint64) {
	stack[0] = uint64(uint32(hostStateSentinel))
}

func (h *hostImports) setState(context.Context, api.Module, []uint64) {}
