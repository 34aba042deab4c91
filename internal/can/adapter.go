package can

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotInitialized     = errors.New("can: bus not initialized")
	ErrAlreadyInitialized = errors.New("can: bus already initialized")
	ErrAdapterUnavailable = errors.New("can: adapter binding not available")
	ErrInvalidChannel     = errors.New("can: invalid channel")
	ErrInvalidBitRate     = errors.New("can: invalid bit rate")
	ErrInvalidID          = errors.New("can: invalid identifier")
	ErrInvalidLength      = errors.New("can: payload longer than 8 bytes")
	// ErrQueueEmpty is returned by Adapter.Read when nothing is pending.
	// It is a normal condition, not a failure.
	ErrQueueEmpty = errors.New("can: receive queue empty")
)

// Status codes follow the PCAN-Basic numbering the web client already
// understands.
const (
	CodeOK         uint32 = 0x00000
	CodeFailed     uint32 = 0x00001
	CodeBusLight   uint32 = 0x00004
	CodeBusHeavy   uint32 = 0x00008
	CodeBusOff     uint32 = 0x00010
	CodeQueueEmpty uint32 = 0x00020
	CodeNoDriver   uint32 = 0x00100
)

// AdapterError is a failure reported by the hardware binding itself.
type AdapterError struct {
	Code uint32
	Text string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error %s: %s", FormatCode(e.Code), e.Text)
}

// FormatCode renders a status code as five hex digits with an "h" suffix.
func FormatCode(code uint32) string {
	return fmt.Sprintf("%05Xh", code)
}

// asAdapterError keeps an existing *AdapterError and wraps anything else.
func asAdapterError(err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdapterError{Code: CodeFailed, Text: err.Error()}
}

// Adapter is the interface every CAN hardware backend implements.
// Calls are serialized by the Engine; implementations need not be safe
// for concurrent use.
type Adapter interface {
	// Name returns a human-readable name for logs.
	Name() string
	// Open starts a session on the given channel.
	Open(ch Channel, rate BitRate) error
	// Close ends the session.
	Close() error
	// Read returns one pending frame without blocking, or ErrQueueEmpty.
	Read() (Frame, error)
	// Write transmits one frame.
	Write(f Frame) error
	// Status returns nil while the bus is healthy.
	Status() error
}

// StatusProber is implemented by adapters whose status query is slow.
// StatusProbe runs under the engine lock and copies whatever it needs;
// the returned func runs without the lock.
type StatusProber interface {
	StatusProbe() func() error
}

// Filter accepts frames whose ID&Mask equals ID&Mask.
type Filter struct {
	ID       uint32 `yaml:"id" json:"id"`
	Mask     uint32 `yaml:"mask" json:"mask"`
	Extended bool   `yaml:"extended" json:"extended"`
}

// Tuner is implemented by adapters that support optional session
// configuration. Every method is best-effort.
type Tuner interface {
	SetFilters(filters []Filter) error
	AllowFrameKinds(rtr, errorFrames bool) error
	SetBusOffAutoReset(on bool) error
}

// Channel is a USB adapter slot. Values match the PCAN-Basic handles.
type Channel uint16

const (
	USBBus1 Channel = 0x51 + iota
	USBBus2
	USBBus3
	USBBus4
	USBBus5
)

var channelNames = map[string]Channel{
	"PCAN_USBBUS1": USBBus1,
	"PCAN_USBBUS2": USBBus2,
	"PCAN_USBBUS3": USBBus3,
	"PCAN_USBBUS4": USBBus4,
	"PCAN_USBBUS5": USBBus5,
}

// Index returns the zero-based slot number.
func (c Channel) Index() int { return int(c - USBBus1) }

func (c Channel) String() string {
	for name, v := range channelNames {
		if v == c {
			return name
		}
	}
	return fmt.Sprintf("Channel(0x%X)", uint16(c))
}

// ParseChannel maps a channel name like "PCAN_USBBUS1" to its handle.
func ParseChannel(s string) (Channel, error) {
	ch, ok := channelNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidChannel, s)
	}
	return ch, nil
}

// BitRate is the nominal bus speed in bits per second.
type BitRate int

var bitRateNames = map[string]BitRate{
	"PCAN_BAUD_1M":   1_000_000,
	"PCAN_BAUD_800K": 800_000,
	"PCAN_BAUD_500K": 500_000,
	"PCAN_BAUD_250K": 250_000,
	"PCAN_BAUD_125K": 125_000,
	"PCAN_BAUD_100K": 100_000,
	"PCAN_BAUD_50K":  50_000,
	"PCAN_BAUD_20K":  20_000,
	"PCAN_BAUD_10K":  10_000,
}

func (r BitRate) String() string {
	for name, v := range bitRateNames {
		if v == r {
			return name
		}
	}
	return fmt.Sprintf("%d bit/s", int(r))
}

// ParseBitRate maps a bit-rate name like "PCAN_BAUD_500K" to its value.
func ParseBitRate(s string) (BitRate, error) {
	r, ok := bitRateNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidBitRate, s)
	}
	return r, nil
}

// Channels lists the accepted channel names in order.
func Channels() []string { return sortedKeys(channelNames) }

// BitRates lists the accepted bit-rate names.
func BitRates() []string { return sortedKeys(bitRateNames) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
