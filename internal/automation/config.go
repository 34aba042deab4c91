package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"
)

var (
	ErrNoCommandsResolved = errors.New("automation: no commands resolved")
	ErrConnectionFailed   = errors.New("automation: connection failed")
	ErrChunkExhausted     = errors.New("automation: chunk failed after all attempts")
	ErrCancelled          = errors.New("automation: run cancelled")
	ErrInvalidConfig      = errors.New("automation: invalid config")
)

// Defaults for run parameters.
const (
	DefaultChunkSize          = 30
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 2 * time.Second
	DefaultInterChunkInterval = 10 * time.Second
	DefaultSettleInterval     = 3 * time.Second
)

// Config holds the parameters of one run.
type Config struct {
	Address    string `json:"device_mac"`
	WriteUUID  string `json:"write_uuid"`
	NotifyUUID string `json:"notify_uuid"`

	ChunkSize          int           `json:"chunk_length"`
	MaxRetries         int           `json:"max_retries"`
	RetryDelay         time.Duration `json:"retry_delay"`
	InterChunkInterval time.Duration `json:"ble_timeout_interval"`
	SettleInterval     time.Duration `json:"settle_interval"`

	Source Source `json:"source"`
}

// DefaultConfig returns run parameters with the default counts and
// intervals. Callers layer their values over it.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          DefaultChunkSize,
		MaxRetries:         DefaultMaxRetries,
		RetryDelay:         DefaultRetryDelay,
		InterChunkInterval: DefaultInterChunkInterval,
		SettleInterval:     DefaultSettleInterval,
	}
}

// WithDefaults fills an unset chunk size or retry count. Intervals are
// taken as given: zero means no wait.
func (c Config) WithDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Address) == "" {
		problems = append(problems, "device address is required")
	}
	if _, err := bluetooth.ParseUUID(c.WriteUUID); err != nil {
		problems = append(problems, fmt.Sprintf("write characteristic uuid %q is invalid", c.WriteUUID))
	}
	if _, err := bluetooth.ParseUUID(c.NotifyUUID); err != nil {
		problems = append(problems, fmt.Sprintf("notify characteristic uuid %q is invalid", c.NotifyUUID))
	}
	if c.ChunkSize < 1 {
		problems = append(problems, "chunk size must be at least 1")
	}
	if c.MaxRetries < 1 {
		problems = append(problems, "max retries must be at least 1")
	}
	if c.RetryDelay < 0 || c.InterChunkInterval < 0 || c.SettleInterval < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
