package can

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in       string
		id       uint32
		extended bool
	}{
		{"123", 0x123, false},
		{"7FF", 0x7FF, false},
		{"0x1a0", 0x1A0, false},
		{"0123", 0x123, true}, // wider than three digits
		{"800", 0x800, true},
		{"18FF50E5", 0x18FF50E5, true},
	}
	for _, c := range cases {
		id, ext, err := ParseID(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.id, id, c.in)
		assert.Equal(t, c.extended, ext, c.in)
	}

	for _, bad := range []string{"", "xyz", "0x", "20000000"} {
		_, _, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestNewFrameRejectsLongPayload(t *testing.T) {
	_, err := NewFrame(0x100, make([]byte, 9), false, false)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = NewFrame(0x800, nil, false, false)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestFrameJSON(t *testing.T) {
	f, err := NewFrame(0x1A, []byte{0x01, 0xFF}, false, false)
	require.NoError(t, err)
	f.Counter = 7
	f.Timestamp = 1234

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"counter":7,"id":"01A","msg_type":"DATA","len":2,"data":[1,255],"timestamp":1234}`, string(data))

	ext, err := NewFrame(0x18FF50E5, nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, "18FF50E5", ext.IDString())
	assert.Equal(t, "RTR", ext.Kind.String())
}

func TestParseChannelAndBitRate(t *testing.T) {
	ch, err := ParseChannel("PCAN_USBBUS3")
	require.NoError(t, err)
	assert.Equal(t, USBBus3, ch)
	assert.Equal(t, 2, ch.Index())
	assert.Equal(t, "PCAN_USBBUS3", ch.String())

	_, err = ParseChannel("PCAN_PCIBUS1")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	rate, err := ParseBitRate("PCAN_BAUD_500K")
	require.NoError(t, err)
	assert.Equal(t, BitRate(500_000), rate)

	_, err = ParseBitRate("PCAN_BAUD_33K")
	assert.ErrorIs(t, err, ErrInvalidBitRate)

	assert.Len(t, Channels(), 5)
	assert.Len(t, BitRates(), 9)
}

func TestFormatCode(t *testing.T) {
	assert.Equal(t, "00000h", FormatCode(CodeOK))
	assert.Equal(t, "00010h", FormatCode(CodeBusOff))
}
