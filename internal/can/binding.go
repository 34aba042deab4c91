package can

import (
	"fmt"

	"go.uber.org/zap"
)

// BindingConfig selects and configures the hardware backend.
type BindingConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "socketcan", "slcan", "demo" or "none"

	// SocketCAN network interfaces, one per channel slot (can0, can1, ...).
	Interfaces []string `yaml:"interfaces" json:"interfaces"`
	// Bring the interface down, set the bit rate and bring it up on Open.
	// Needs CAP_NET_ADMIN.
	ConfigureLink bool `yaml:"configure_link" json:"configureLink"`

	// SLCAN serial ports, one per channel slot.
	Ports      []string `yaml:"ports" json:"ports"`
	SerialBaud int      `yaml:"serial_baud" json:"serialBaud"`

	// Demo traffic rate in frames per second.
	DemoRate int `yaml:"demo_rate" json:"demoRate"`
}

// NewAdapter builds the adapter named by cfg.Driver. Driver "none" returns a
// nil adapter and no error; the engine then reports ErrAdapterUnavailable.
func NewAdapter(cfg BindingConfig, log *zap.Logger) (Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Driver {
	case "socketcan", "pcan":
		ifaces := cfg.Interfaces
		if len(ifaces) == 0 {
			ifaces = []string{"can0", "can1", "can2", "can3", "can4"}
		}
		return newSocketCAN(ifaces, cfg.ConfigureLink, log)
	case "slcan":
		if len(cfg.Ports) == 0 {
			return nil, fmt.Errorf("%w: slcan needs at least one serial port", ErrAdapterUnavailable)
		}
		return NewSLCAN(cfg.Ports, cfg.SerialBaud, log), nil
	case "demo", "":
		return NewDemo(cfg.DemoRate), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrAdapterUnavailable, cfg.Driver)
	}
}

// slot returns the per-channel entry for ch, or an error when the channel
// has no configured device.
func slot(list []string, ch Channel) (string, error) {
	i := ch.Index()
	if i < 0 || i >= len(list) || list[i] == "" {
		return "", fmt.Errorf("%w: %s has no device configured", ErrInvalidChannel, ch)
	}
	return list[i], nil
}
