// Package wasmcoreconfig loads the server's configuration: an optional
// YAML file overlaid with command-line flags, falling back to the
// defaults documented in SPEC_FULL.md §10.3.
package wasmcoreconfig

import (
	"bytes"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// Config is the server's full configuration surface.
type Config struct {
	SocketPath         string          `yaml:"socket_path"`
	MetadataPath       string          `yaml:"metadata_path"`
	DefaultExecution   executor.Config `yaml:"default_execution"`
	TracerRingSize     int             `yaml:"tracer_ring_size"`
	MaxConcurrentCalls int64           `yaml:"max_concurrent_calls"`
	LogLevel           string          `yaml:"log_level"`
}

// Default returns the built-in defaults SPEC_FULL.md §10.3 names.
func Default() Config {
	return Config{
		SocketPath:         "/tmp/wasm-core.sock",
		MetadataPath:       "metadata.json",
		DefaultExecution:   executor.DefaultConfig(),
		TracerRingSize:     100,
		MaxConcurrentCalls: 1000,
		LogLevel:           "info",
	}
}

// Load reads path (if it exists) as YAML over Default(), rejecting
// unknown fields so a typo in the file fails loudly rather than silently
// no-opping (the teacher's encoding.UnmarshalYAMLStrict idiom).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, wasmerr.Wrap(wasmerr.KindIoError, "wasmcoreconfig.Load", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, wasmerr.Wrap(wasmerr.KindInvalidRequest, "wasmcoreconfig.Load", err)
	}
	return cfg, nil
}

// BindFlags registers flags for every field onto fs, defaulted to
// whatever cfg already holds (typically the result of Load), so flags
// win over the file and the file wins over Default() (SPEC_FULL.md §10.3).
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.SocketPath, "socket-path", cfg.SocketPath, "unix socket path to serve on")
	fs.StringVar(&cfg.MetadataPath, "metadata-path", cfg.MetadataPath, "path to the persisted binary metadata file")
	fs.Uint64Var(&cfg.DefaultExecution.TimeoutMS, "default-timeout-ms", cfg.DefaultExecution.TimeoutMS, "execution timeout in milliseconds, checked at startup only; requests that omit timeout_ms use 5000")
	fs.Uint64Var(&cfg.DefaultExecution.MemoryLimitMB, "default-memory-limit-mb", cfg.DefaultExecution.MemoryLimitMB, "execution memory limit in megabytes, checked at startup only; requests that omit memory_limit_mb use 64")
	fs.IntVar(&cfg.TracerRingSize, "tracer-ring-size", cfg.TracerRingSize, "number of traces retained in the in-memory ring")
	fs.Int64Var(&cfg.MaxConcurrentCalls, "max-concurrent-calls", cfg.MaxConcurrentCalls, "maximum number of in-flight requests")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zap log level (debug, info, warn, error)")
}

// Validate rejects a Config outside the bounds the rest of the system
// requires before anything is wired against it.
func (c Config) Validate() error {
	const op = "wasmcoreconfig.Validate"
	if c.SocketPath == "" {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	if c.MetadataPath == "" {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	if c.TracerRingSize <= 0 {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	if c.MaxConcurrentCalls <= 0 {
		return wasmerr.New(wasmerr.KindInvalidRequest, op)
	}
	return c.DefaultExecution.WithDefaults().Validate()
}
