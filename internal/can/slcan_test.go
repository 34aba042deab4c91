package can

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

type fakePort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	closed  bool
	timeout time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func newFakeSLCAN(t *testing.T) (*SLCAN, *fakePort) {
	t.Helper()
	port := &fakePort{}
	s := NewSLCAN([]string{"/dev/ttyACM0"}, 0, zap.NewNop())
	s.open = func(path string, mode *serial.Mode) (serialPort, error) {
		assert.Equal(t, "/dev/ttyACM0", path)
		assert.Equal(t, slcanDefaultBaud, mode.BaudRate)
		return port, nil
	}
	return s, port
}

func TestEncodeSLCAN(t *testing.T) {
	cases := []struct {
		frame Frame
		want  string
	}{
		{Frame{ID: 0x123, Len: 2, Data: [8]byte{0xAB, 0x01}}, "t1232AB01\r"},
		{Frame{ID: 0x7FF, Len: 0}, "t7FF0\r"},
		{Frame{ID: 0x18FF50E5, Extended: true, Len: 1, Data: [8]byte{0xFF}}, "T18FF50E51FF\r"},
		{Frame{ID: 0x100, Kind: KindRTR, Len: 4}, "r1004\r"},
		{Frame{ID: 0x100, Extended: true, Kind: KindRTR, Len: 0}, "R000001000\r"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, string(encodeSLCAN(c.frame)))
	}
}

func TestDecodeSLCAN(t *testing.T) {
	f, err := decodeSLCAN([]byte("t1232AB01"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), f.ID)
	assert.Equal(t, []byte{0xAB, 0x01}, f.Payload())
	assert.False(t, f.Extended)

	f, err = decodeSLCAN([]byte("T18FF50E51FF"))
	require.NoError(t, err)
	assert.True(t, f.Extended)
	assert.Equal(t, uint32(0x18FF50E5), f.ID)

	f, err = decodeSLCAN([]byte("r1004"))
	require.NoError(t, err)
	assert.Equal(t, KindRTR, f.Kind)
	assert.Equal(t, uint8(4), f.Len)

	for _, bad := range []string{"", "z", "t12", "t1239", "t1232AB", "t123XZZ"} {
		_, err := decodeSLCAN([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestSLCANSession(t *testing.T) {
	s, port := newFakeSLCAN(t)

	require.NoError(t, s.Open(USBBus1, 500_000))
	assert.Equal(t, "C\rS6\rO\r", port.out.String())
	assert.Equal(t, slcanReadTimeout, port.timeout)

	_, err := s.Read()
	assert.ErrorIs(t, err, ErrQueueEmpty)

	// A frame split across two reads, followed by an ack and a second frame.
	port.in.WriteString("t10")
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	port.in.WriteString("0101\r\rt2000\r")

	f, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), f.ID)
	assert.Equal(t, []byte{0x01}, f.Payload())

	f, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x200), f.ID)

	port.out.Reset()
	require.NoError(t, s.Write(Frame{ID: 0x321, Len: 1, Data: [8]byte{0x05}}))
	assert.Equal(t, "t321105\r", port.out.String())

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSLCANRejectsUnsupportedRate(t *testing.T) {
	s, _ := newFakeSLCAN(t)
	err := s.Open(USBBus1, 33_333)
	var ae *AdapterError
	assert.ErrorAs(t, err, &ae)
}

func TestSLCANChannelWithoutPort(t *testing.T) {
	s, _ := newFakeSLCAN(t)
	assert.ErrorIs(t, s.Open(USBBus2, 500_000), ErrInvalidChannel)
}

func TestParseLinkState(t *testing.T) {
	out := `3: can0: <NOARP,UP,LOWER_UP,ECHO> mtu 16 qdisc pfifo_fast state UP mode DEFAULT group default qlen 10
    link/can  promiscuity 0 minmtu 0 maxmtu 0
    can state ERROR-PASSIVE (berr-counter tx 128 rx 0) restart-ms 100
	  bitrate 500000 sample-point 0.875`

	st, ok := parseLinkState(out)
	require.True(t, ok)
	assert.Equal(t, "ERROR-PASSIVE", st.BusState)
	assert.Equal(t, 128, st.TxErrors)

	var ae *AdapterError
	require.ErrorAs(t, st.Err(), &ae)
	assert.Equal(t, CodeBusHeavy, ae.Code)

	assert.NoError(t, LinkState{BusState: "ERROR-ACTIVE"}.Err())

	_, ok = parseLinkState("2: eth0: <BROADCAST> mtu 1500 state UP")
	assert.False(t, ok)
}

func TestNewAdapterDrivers(t *testing.T) {
	a, err := NewAdapter(BindingConfig{Driver: "demo"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Demo{}, a)

	a, err = NewAdapter(BindingConfig{Driver: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = NewAdapter(BindingConfig{Driver: "slcan"}, nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)

	_, err = NewAdapter(BindingConfig{Driver: "kvaser"}, nil)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}

func TestDemoLoopsBackWrites(t *testing.T) {
	d := NewDemo(1)
	require.NoError(t, d.Open(USBBus1, 500_000))
	require.NoError(t, d.Write(Frame{ID: 0x7E0, Len: 1, Data: [8]byte{0x3E}}))

	f, err := d.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E0), f.ID)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Status(), ErrNotInitialized)
}
