package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rigbridge/internal/automation"
	"github.com/shaunagostinho/rigbridge/internal/can"
	"github.com/shaunagostinho/rigbridge/internal/logger"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	CAN        CANConfig        `yaml:"can" json:"can"`
	BLE        BLEConfig        `yaml:"ble" json:"ble"`
	Automation AutomationConfig `yaml:"automation" json:"automation"`

	// Persisted artifacts
	ExecLog logger.Config `yaml:"exec_log" json:"execLog"`
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	Log    LogConfig    `yaml:"log" json:"log"`
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type CANConfig struct {
	can.BindingConfig `yaml:",inline"`

	PollIntervalMs   int            `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	BufferSize       int            `yaml:"buffer_size" json:"bufferSize"`
	AllowRTR         bool           `yaml:"allow_rtr" json:"allowRtr"`
	AllowErrorFrames bool           `yaml:"allow_error_frames" json:"allowErrorFrames"`
	BusOffAutoReset  bool           `yaml:"bus_off_auto_reset" json:"busOffAutoReset"`
	Filters          []FilterConfig `yaml:"filters" json:"filters"`
}

// FilterConfig is an acceptance filter with hex id and mask, e.g. "7E8".
type FilterConfig struct {
	ID       string `yaml:"id" json:"id"`
	Mask     string `yaml:"mask" json:"mask"`
	Extended bool   `yaml:"extended" json:"extended"`
}

type BLEConfig struct {
	Driver         string `yaml:"driver" json:"driver"` // "bluez" or "demo"
	ScanTimeoutSec int    `yaml:"scan_timeout_sec" json:"scanTimeoutSec"`
}

// AutomationConfig holds run defaults. A start request overrides any of
// the per-run fields.
type AutomationConfig struct {
	WriteUUID    string `yaml:"write_uuid" json:"writeUuid"`
	NotifyUUID   string `yaml:"notify_uuid" json:"notifyUuid"`
	ChunkSize    int    `yaml:"chunk_size" json:"chunkSize"`
	MaxRetries   int    `yaml:"max_retries" json:"maxRetries"`
	RetryDelayMs int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	InterChunkMs int    `yaml:"inter_chunk_ms" json:"interChunkMs"`
	SettleMs     int    `yaml:"settle_ms" json:"settleMs"`

	// Command sources
	CommandsPath     string `yaml:"commands_path" json:"commandsPath"`
	TablePath        string `yaml:"table_path" json:"tablePath"`
	CombinationsPath string `yaml:"combinations_path" json:"combinationsPath"`
	Prefix           string `yaml:"prefix" json:"prefix"`
}

type ArchiveConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CAN: CANConfig{
			BindingConfig: can.BindingConfig{
				Driver:     "demo",
				Interfaces: []string{"can0", "can1", "can2", "can3", "can4"},
				SerialBaud: 115200,
				DemoRate:   50,
			},
			PollIntervalMs:  20,
			BufferSize:      can.DefaultBufferSize,
			BusOffAutoReset: true,
		},
		BLE: BLEConfig{
			Driver:         "demo",
			ScanTimeoutSec: 5,
		},
		Automation: AutomationConfig{
			WriteUUID:        "01ff0101-ba5e-f4ee-5ca1-eb1e5e4b1ce0",
			NotifyUUID:       "01ff0101-ba5e-f4ee-5ca1-eb1e5e4b1ce0",
			ChunkSize:        automation.DefaultChunkSize,
			MaxRetries:       automation.DefaultMaxRetries,
			RetryDelayMs:     int(automation.DefaultRetryDelay / time.Millisecond),
			InterChunkMs:     int(automation.DefaultInterChunkInterval / time.Millisecond),
			SettleMs:         int(automation.DefaultSettleInterval / time.Millisecond),
			CommandsPath:     "data/commands.csv",
			TablePath:        "data/command_table.csv",
			CombinationsPath: "data/generated_commands.csv",
		},
		ExecLog: logger.Config{
			Path:    "logs/execution_log.csv",
			MaxRows: 100_000,
		},
		Archive: ArchiveConfig{
			Path: "data.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			ListenAddr: ":8000",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// .env next to the config, then in the working directory. Variables
	// already set in the real environment win.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(ep); err != nil {
			continue
		}
		if err := godotenv.Load(ep); err != nil {
			log.Warn("env file not loaded", zap.String("path", ep), zap.Error(err))
			continue
		}
		log.Info("env file loaded", zap.String("path", ep))
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CAN_DRIVER, CAN_PORT, CAN_INTERFACES, CAN_DEMO_RATE, BLE_DRIVER,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, EXEC_LOG_PATH, ARCHIVE_PATH,
// COMMANDS_PATH, CHUNK_SIZE, MAX_RETRIES
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAN_DRIVER"); v != "" {
		c.CAN.Driver = v
	}
	if v := os.Getenv("CAN_PORT"); v != "" {
		c.CAN.Ports = splitList(v)
	}
	if v := os.Getenv("CAN_INTERFACES"); v != "" {
		c.CAN.Interfaces = splitList(v)
	}
	if v := os.Getenv("CAN_DEMO_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CAN.DemoRate = n
		}
	}
	if v := os.Getenv("BLE_DRIVER"); v != "" {
		c.BLE.Driver = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("EXEC_LOG_PATH"); v != "" {
		c.ExecLog.Path = v
	}
	if v := os.Getenv("ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
	if v := os.Getenv("COMMANDS_PATH"); v != "" {
		c.Automation.CommandsPath = v
	}
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Automation.ChunkSize = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Automation.MaxRetries = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EngineOptions converts the CAN section into engine options.
func (c *Config) EngineOptions() (can.Options, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := can.Options{
		PollInterval:     time.Duration(c.CAN.PollIntervalMs) * time.Millisecond,
		BufferSize:       c.CAN.BufferSize,
		AllowRTR:         c.CAN.AllowRTR,
		AllowErrorFrames: c.CAN.AllowErrorFrames,
		BusOffAutoReset:  c.CAN.BusOffAutoReset,
	}
	for _, f := range c.CAN.Filters {
		id, wide, err := can.ParseID(f.ID)
		if err != nil {
			return opts, fmt.Errorf("filter id %q: %w", f.ID, err)
		}
		mask := uint32(can.MaxStandardID)
		if f.Extended || wide {
			mask = can.MaxExtendedID
		}
		if f.Mask != "" {
			if mask, _, err = can.ParseID(f.Mask); err != nil {
				return opts, fmt.Errorf("filter mask %q: %w", f.Mask, err)
			}
		}
		opts.Filters = append(opts.Filters, can.Filter{ID: id, Mask: mask, Extended: f.Extended || wide})
	}
	return opts, nil
}

// Binding returns a copy of the CAN adapter settings.
func (c *Config) Binding() can.BindingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.CAN.BindingConfig
	b.Interfaces = append([]string(nil), b.Interfaces...)
	b.Ports = append([]string(nil), b.Ports...)
	return b
}

// RunDefaults returns the automation config a start request is layered on.
func (c *Config) RunDefaults() automation.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := c.Automation
	return automation.Config{
		WriteUUID:          a.WriteUUID,
		NotifyUUID:         a.NotifyUUID,
		ChunkSize:          a.ChunkSize,
		MaxRetries:         a.MaxRetries,
		RetryDelay:         time.Duration(a.RetryDelayMs) * time.Millisecond,
		InterChunkInterval: time.Duration(a.InterChunkMs) * time.Millisecond,
		SettleInterval:     time.Duration(a.SettleMs) * time.Millisecond,
		Source: automation.Source{
			TablePath:        a.TablePath,
			CombinationsPath: a.CombinationsPath,
			Prefix:           a.Prefix,
			DefaultPath:      a.CommandsPath,
		},
	}
}

// ScanTimeout is the BLE discovery window.
func (c *Config) ScanTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BLE.ScanTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BLE.ScanTimeoutSec) * time.Second
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/rigbridge/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
