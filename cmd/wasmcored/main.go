// Command wasmcored serves the runtime subsystem's unix socket protocol:
// loading, executing and chaining sandboxed WASM binaries for every
// tenant connected to one host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/pipeline"
	"github.com/wasmcore/wasmcore/internal/registry"
	"github.com/wasmcore/wasmcore/internal/tracer"
	"github.com/wasmcore/wasmcore/internal/transport"
	"github.com/wasmcore/wasmcore/internal/wasmcoreconfig"
	"github.com/wasmcore/wasmcore/internal/wasmengine"
)

func main() {
	// --config has to be known before the rest of the flags are bound
	// (their defaults come from the loaded file), so it is parsed once,
	// up front, against its own throwaway FlagSet (cobra itself only
	// parses flags once, as part of Execute).
	configPath := parseConfigFlag(os.Args[1:])

	cfg, err := wasmcoreconfig.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCommand(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseConfigFlag(args []string) string {
	fs := pflag.NewFlagSet("wasmcored-preparse", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "", "path to a YAML config file")
	_ = fs.Parse(args)
	return *path
}

func newRootCommand(cfg *wasmcoreconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wasmcored",
		Short:         "Multi-tenant sandboxed WASM execution server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "path to a YAML config file")
	wasmcoreconfig.BindFlags(cmd.Flags(), cfg)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(cmd.Context(), *cfg)
	}

	return cmd
}

func run(ctx context.Context, cfg wasmcoreconfig.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing()
	defer shutdownTracing(context.Background())

	engine, err := wasmengine.NewWazeroEngine(ctx, executor.MaxMemoryLimitPages())
	if err != nil {
		return fmt.Errorf("constructing wasm engine: %w", err)
	}
	defer engine.Close(context.Background())

	reg, err := registry.New(ctx, engine, cfg.MetadataPath, logger.Named("registry"))
	if err != nil {
		return fmt.Errorf("constructing registry: %w", err)
	}
	defer reg.Close(context.Background())

	trc := tracer.New(cfg.TracerRingSize, true)
	exec := executor.New(reg, trc, logger.Named("executor"))
	driver := pipeline.New(exec)

	srv := transport.New(transport.Config{
		SocketPath:         cfg.SocketPath,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
	}, reg, exec, driver, logger.Named("transport"))

	logger.Info("starting wasmcored",
		zap.String("socket_path", cfg.SocketPath),
		zap.String("metadata_path", cfg.MetadataPath),
	)

	return srv.Serve(ctx)
}

// setupTracing installs a process-wide SDK TracerProvider so the
// per-execution spans internal/tracing creates are actually sampled and
// processed, not silently dropped for lack of any registered provider.
// No exporter is wired by default: operators who want spans shipped
// somewhere attach one via OTEL_EXPORTER_OTLP_ENDPOINT-style SDK
// auto-configuration outside this binary's scope (spec.md's Non-goals
// exclude a full observability backend).
func setupTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
