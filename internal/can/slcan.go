package can

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	slcanDefaultBaud  = 115200
	slcanReadTimeout  = time.Millisecond
	slcanCommandDelay = 10 * time.Millisecond
)

var slcanBitRates = map[BitRate]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

// serialPort is the subset of serial.Port the SLCAN adapter uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// SLCAN drives a Lawicel/CANable style adapter over a serial port.
type SLCAN struct {
	ports []string
	baud  int
	log   *zap.Logger
	open  func(path string, mode *serial.Mode) (serialPort, error)

	port    serialPort
	path    string
	pending []byte
	queue   []Frame
	lastErr error
}

func NewSLCAN(ports []string, baud int, log *zap.Logger) *SLCAN {
	if baud <= 0 {
		baud = slcanDefaultBaud
	}
	return &SLCAN{
		ports: ports,
		baud:  baud,
		log:   log.Named("slcan"),
		open: func(path string, mode *serial.Mode) (serialPort, error) {
			return serial.Open(path, mode)
		},
	}
}

func (s *SLCAN) Name() string { return "SLCAN" }

func (s *SLCAN) Open(ch Channel, rate BitRate) error {
	path, err := slot(s.ports, ch)
	if err != nil {
		return err
	}
	cmd, ok := slcanBitRates[rate]
	if !ok {
		return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("slcan does not support %s", rate)}
	}

	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := s.open(path, mode)
	if err != nil {
		return &AdapterError{Code: CodeNoDriver, Text: fmt.Sprintf("open %s: %v", path, err)}
	}
	if err := p.SetReadTimeout(slcanReadTimeout); err != nil {
		p.Close()
		return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("set timeout: %v", err)}
	}

	// Close any channel left open by a previous process before configuring.
	for _, c := range []string{"C", cmd, "O"} {
		if _, err := p.Write([]byte(c + "\r")); err != nil {
			p.Close()
			return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("write %q: %v", c, err)}
		}
		time.Sleep(slcanCommandDelay)
	}

	s.port = p
	s.path = path
	s.pending = s.pending[:0]
	s.queue = nil
	s.lastErr = nil
	s.log.Info("port opened", zap.String("port", path), zap.Stringer("bit_rate", rate))
	return nil
}

func (s *SLCAN) Close() error {
	if s.port == nil {
		return nil
	}
	s.port.Write([]byte("C\r"))
	time.Sleep(slcanCommandDelay)
	err := s.port.Close()
	s.port = nil
	s.queue = nil
	if err != nil {
		return &AdapterError{Code: CodeFailed, Text: err.Error()}
	}
	return nil
}

// Read returns a decoded frame if one is queued or can be assembled from
// the bytes currently available on the port.
func (s *SLCAN) Read() (Frame, error) {
	if s.port == nil {
		return Frame{}, ErrNotInitialized
	}
	if len(s.queue) == 0 {
		buf := make([]byte, 256)
		n, err := s.port.Read(buf)
		if err != nil {
			s.lastErr = &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("read %s: %v", s.path, err)}
			return Frame{}, s.lastErr
		}
		s.feed(buf[:n])
	}
	if len(s.queue) == 0 {
		return Frame{}, ErrQueueEmpty
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, nil
}

// feed splits incoming bytes on CR and queues every decodable frame.
// Acknowledgements and unknown lines are ignored.
func (s *SLCAN) feed(data []byte) {
	for _, b := range data {
		switch b {
		case '\r':
			if len(s.pending) > 0 {
				if f, err := decodeSLCAN(s.pending); err == nil {
					f.Timestamp = nowMicros()
					s.queue = append(s.queue, f)
				} else if isFrameLine(s.pending) {
					s.log.Debug("undecodable line", zap.ByteString("line", s.pending), zap.Error(err))
				}
			}
			s.pending = s.pending[:0]
		case '\a':
			s.lastErr = &AdapterError{Code: CodeFailed, Text: "adapter rejected command"}
			s.pending = s.pending[:0]
		default:
			s.pending = append(s.pending, b)
		}
	}
}

func (s *SLCAN) Write(f Frame) error {
	if s.port == nil {
		return ErrNotInitialized
	}
	if _, err := s.port.Write(encodeSLCAN(f)); err != nil {
		s.lastErr = &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("write %s: %v", s.path, err)}
		return s.lastErr
	}
	return nil
}

// Status reports the last transport error seen on the port.
func (s *SLCAN) Status() error {
	if s.port == nil {
		return ErrNotInitialized
	}
	return s.lastErr
}

func isFrameLine(line []byte) bool {
	switch line[0] {
	case 't', 'T', 'r', 'R':
		return true
	}
	return false
}

// encodeSLCAN renders f as a Lawicel ASCII command terminated by CR:
// t/r with a 3 digit id for standard frames, T/R with 8 digits for extended.
func encodeSLCAN(f Frame) []byte {
	var cmd byte
	switch {
	case f.Extended && f.Kind == KindRTR:
		cmd = 'R'
	case f.Extended:
		cmd = 'T'
	case f.Kind == KindRTR:
		cmd = 'r'
	default:
		cmd = 't'
	}
	out := make([]byte, 0, 1+8+1+2*MaxDataLen+1)
	out = append(out, cmd)
	if f.Extended {
		out = append(out, fmt.Sprintf("%08X", f.ID&MaxExtendedID)...)
	} else {
		out = append(out, fmt.Sprintf("%03X", f.ID&MaxStandardID)...)
	}
	out = append(out, fmt.Sprintf("%X", f.Len&0xF)...)
	if f.Kind != KindRTR {
		for _, b := range f.Payload() {
			out = append(out, fmt.Sprintf("%02X", b)...)
		}
	}
	return append(out, '\r')
}

// decodeSLCAN parses one received line without its trailing CR.
func decodeSLCAN(line []byte) (Frame, error) {
	if len(line) == 0 {
		return Frame{}, fmt.Errorf("slcan: empty line")
	}
	var f Frame
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		f.Kind = KindRTR
	case 'T':
		f.Extended, idLen = true, 8
	case 'R':
		f.Extended, idLen = true, 8
		f.Kind = KindRTR
	default:
		return Frame{}, fmt.Errorf("slcan: not a frame: %q", line)
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, fmt.Errorf("slcan: short frame: %q", line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("slcan: bad identifier: %w", err)
	}
	dlc, err := strconv.ParseUint(string(line[1+idLen:2+idLen]), 16, 8)
	if err != nil || dlc > MaxDataLen {
		return Frame{}, fmt.Errorf("slcan: bad length in %q", line)
	}
	f.ID = uint32(id)
	f.Len = uint8(dlc)

	if f.Kind == KindRTR {
		return f, nil
	}
	body := line[2+idLen:]
	if len(body) < int(dlc)*2 {
		return Frame{}, fmt.Errorf("slcan: truncated data in %q", line)
	}
	if _, err := hex.Decode(f.Data[:], body[:dlc*2]); err != nil {
		return Frame{}, fmt.Errorf("slcan: bad data: %w", err)
	}
	return f, nil
}
