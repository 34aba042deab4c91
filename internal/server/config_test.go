package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/rigbridge/internal/can"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), zaptest.NewLogger(t))
	assert.Equal(t, "demo", cfg.CAN.Driver)
	assert.Equal(t, ":8000", cfg.Server.ListenAddr)

	run := cfg.RunDefaults()
	assert.Equal(t, 30, run.ChunkSize)
	assert.Equal(t, 3, run.MaxRetries)
	assert.Equal(t, 2*time.Second, run.RetryDelay)
	assert.Equal(t, 10*time.Second, run.InterChunkInterval)
	assert.Equal(t, 3*time.Second, run.SettleInterval)
	assert.Equal(t, "data/commands.csv", run.Source.DefaultPath)
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
can:
  driver: slcan
  ports: [/dev/ttyACM0]
  buffer_size: 500
  filters:
    - id: "7E8"
automation:
  chunk_size: 12
server:
  listen_addr: ":7000"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CAN_DEMO_RATE=75\nMAX_RETRIES=5\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("CAN_DEMO_RATE")
		os.Unsetenv("MAX_RETRIES")
	})
	t.Setenv("LISTEN_ADDR", ":7100")
	t.Setenv("CAN_PORT", "/dev/ttyUSB0, /dev/ttyUSB1")

	cfg := LoadConfig(path, zaptest.NewLogger(t))
	assert.Equal(t, "slcan", cfg.CAN.Driver)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, cfg.CAN.Ports)
	assert.Equal(t, 75, cfg.CAN.DemoRate)
	assert.Equal(t, ":7100", cfg.Server.ListenAddr)
	assert.Equal(t, 12, cfg.Automation.ChunkSize)
	assert.Equal(t, 5, cfg.Automation.MaxRetries)
	// Untouched sections keep their defaults.
	assert.Equal(t, "demo", cfg.BLE.Driver)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, 500, opts.BufferSize)
	assert.Equal(t, 20*time.Millisecond, opts.PollInterval)
	assert.Equal(t, []can.Filter{{ID: 0x7E8, Mask: 0x7FF}}, opts.Filters)

	b := cfg.Binding()
	b.Ports[0] = "changed"
	assert.Equal(t, "/dev/ttyUSB0", cfg.CAN.Ports[0])
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("can: [not, a, map"), 0o644))
	cfg := LoadConfig(path, nil)
	assert.Equal(t, "demo", cfg.CAN.Driver)
}

func TestEngineOptionsRejectsBadFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CAN.Filters = []FilterConfig{{ID: "XYZ"}}
	_, err := cfg.EngineOptions()
	assert.ErrorIs(t, err, can.ErrInvalidID)

	cfg.CAN.Filters = []FilterConfig{{ID: "18DAF110", Mask: "1FFFFF00"}}
	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, []can.Filter{{ID: 0x18DAF110, Mask: 0x1FFFFF00, Extended: true}}, opts.Filters)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	})
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0},
		"b": "keep",
		"c": true,
	}, dst)
}
