package can

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identifier limits for 11-bit and 29-bit addressing.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLen    = 8
)

// Kind distinguishes data frames from remote transmission requests.
type Kind uint8

const (
	KindData Kind = iota
	KindRTR
)

func (k Kind) String() string {
	if k == KindRTR {
		return "RTR"
	}
	return "DATA"
}

// Frame is one captured or outgoing CAN message. Frames are passed by value
// and never mutated after capture; Counter is assigned when a caller
// consumes the frame, not when the poll loop captures it.
type Frame struct {
	ID        uint32
	Extended  bool
	Kind      Kind
	Len       uint8
	Data      [MaxDataLen]byte
	Timestamp uint64 // microseconds since the Unix epoch
	Counter   uint64
}

// NewFrame builds a frame from an identifier and payload. Payloads longer
// than eight bytes are rejected with ErrInvalidLength.
func NewFrame(id uint32, data []byte, extended, rtr bool) (Frame, error) {
	if len(data) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
	}
	if id > MaxExtendedID || (!extended && id > MaxStandardID) {
		return Frame{}, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	f := Frame{ID: id, Extended: extended, Len: uint8(len(data))}
	if rtr {
		f.Kind = KindRTR
	}
	copy(f.Data[:], data)
	return f, nil
}

// ParseID parses a hexadecimal identifier such as "1A0" or "0x18FF50E5".
// The second return value reports whether extended addressing is required:
// either the value exceeds 11 bits or the text is wider than three digits.
func ParseID(s string) (uint32, bool, error) {
	text := strings.TrimSpace(s)
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	if text == "" {
		return 0, false, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	v, err := strconv.ParseUint(text, 16, 32)
	if err != nil || v > MaxExtendedID {
		return 0, false, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return uint32(v), v > MaxStandardID || len(text) > 3, nil
}

// IDString renders the identifier the way the client expects it:
// three hex digits for standard frames, eight for extended ones.
func (f Frame) IDString() string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%03X", f.ID)
}

// Payload returns a copy of the first Len bytes of Data.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

func (f Frame) String() string {
	return fmt.Sprintf("%s [%d] % X", f.IDString(), f.Len, f.Payload())
}

type frameJSON struct {
	Counter   uint64 `json:"counter"`
	ID        string `json:"id"`
	MsgType   string `json:"msg_type"`
	Len       uint8  `json:"len"`
	Data      []int  `json:"data"`
	Timestamp uint64 `json:"timestamp"`
}

// MarshalJSON emits the read response shape used by the web client.
// Data is a list of integers rather than base64.
func (f Frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload()
	data := make([]int, len(payload))
	for i, b := range payload {
		data[i] = int(b)
	}
	return json.Marshal(frameJSON{
		Counter:   f.Counter,
		ID:        f.IDString(),
		MsgType:   f.Kind.String(),
		Len:       f.Len,
		Data:      data,
		Timestamp: f.Timestamp,
	})
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
