package wasmcoreconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wasm-core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: /var/run/wasm-core.sock\ntracer_ring_size: 500\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/run/wasm-core.sock", cfg.SocketPath)
	assert.Equal(t, 500, cfg.TracerRingSize)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MetadataPath, cfg.MetadataPath)
}

func TestLoadUnknownFieldFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wasm-core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not_a_real_field: true\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestBindFlagsOverridesFileValue(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = "/from/file.sock"

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--socket-path=/from/flag.sock"}))

	assert.Equal(t, "/from/flag.sock", cfg.SocketPath)
}

func TestValidateRejectsEmptySocketPath(t *testing.T) {
	cfg := Default()
	cfg.SocketPath = ""
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Default().Validate())
}
