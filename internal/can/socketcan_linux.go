//go:build linux

package can

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	canFrameSize = 16
	ipTimeout    = 3 * time.Second
)

// SocketCAN drives a Linux CAN network interface (PCAN-USB through the
// peak_usb driver, or any other SocketCAN device) over a raw socket.
type SocketCAN struct {
	ifaces        []string
	configureLink bool
	log           *zap.Logger

	fd       int
	iface    string
	allowRTR bool
	busState error // last state seen in an error frame
}

func newSocketCAN(ifaces []string, configureLink bool, log *zap.Logger) (Adapter, error) {
	// Probe for AF_CAN support so a kernel without can-raw is reported as an
	// unavailable binding instead of failing on every Initialize.
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socketcan: %v", ErrAdapterUnavailable, err)
	}
	unix.Close(fd)

	return &SocketCAN{
		ifaces:        ifaces,
		configureLink: configureLink,
		log:           log.Named("socketcan"),
		fd:            -1,
		allowRTR:      true,
	}, nil
}

func (s *SocketCAN) Name() string { return "SocketCAN" }

// Open binds a non-blocking raw socket to the interface mapped to ch.
func (s *SocketCAN) Open(ch Channel, rate BitRate) error {
	iface, err := slot(s.ifaces, ch)
	if err != nil {
		return err
	}
	if s.configureLink {
		if err := s.ip("link", "set", iface, "down"); err != nil {
			return err
		}
		if err := s.ip("link", "set", iface, "type", "can", "bitrate", strconv.Itoa(int(rate))); err != nil {
			return err
		}
		if err := s.ip("link", "set", iface, "up"); err != nil {
			return err
		}
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return errnoError("create socket", err)
	}
	ifreq, err := unix.NewIfreq(iface)
	if err != nil {
		unix.Close(fd)
		return &AdapterError{Code: CodeFailed, Text: err.Error()}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		return errnoError("interface "+iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}); err != nil {
		unix.Close(fd)
		return errnoError("bind "+iface, err)
	}

	s.fd = fd
	s.iface = iface
	s.busState = nil
	s.log.Info("socket bound", zap.String("iface", iface), zap.Stringer("bit_rate", rate))
	return nil
}

func (s *SocketCAN) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return errnoError("close", err)
	}
	return nil
}

// Read returns the next pending data frame. Error frames update the cached
// bus state and are not returned.
func (s *SocketCAN) Read() (Frame, error) {
	if s.fd < 0 {
		return Frame{}, ErrNotInitialized
	}
	buf := make([]byte, canFrameSize)
	for {
		n, err := unix.Read(s.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Frame{}, ErrQueueEmpty
		}
		if err != nil {
			return Frame{}, errnoError("read", err)
		}
		if n < canFrameSize {
			return Frame{}, &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("short frame: %d bytes", n)}
		}

		raw := binary.LittleEndian.Uint32(buf[0:4])
		if raw&unix.CAN_ERR_FLAG != 0 {
			s.busState = errorFrameState(raw)
			continue
		}
		f := Frame{
			Extended:  raw&unix.CAN_EFF_FLAG != 0,
			Len:       buf[4],
			Timestamp: nowMicros(),
		}
		if f.Extended {
			f.ID = raw & unix.CAN_EFF_MASK
		} else {
			f.ID = raw & unix.CAN_SFF_MASK
		}
		if raw&unix.CAN_RTR_FLAG != 0 {
			if !s.allowRTR {
				continue
			}
			f.Kind = KindRTR
		}
		if f.Len > MaxDataLen {
			f.Len = MaxDataLen
		}
		copy(f.Data[:], buf[8:16])
		return f, nil
	}
}

func (s *SocketCAN) Write(f Frame) error {
	if s.fd < 0 {
		return ErrNotInitialized
	}
	raw := f.ID
	if f.Extended {
		raw |= unix.CAN_EFF_FLAG
	}
	if f.Kind == KindRTR {
		raw |= unix.CAN_RTR_FLAG
	}
	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], raw)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])

	if _, err := unix.Write(s.fd, buf); err != nil {
		if errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN) {
			return &AdapterError{Code: CodeFailed, Text: "Transmit buffer in CAN controller is full"}
		}
		return errnoError("write", err)
	}
	return nil
}

// Status asks ip(8) for the controller state, falling back to the state
// carried by the last error frame.
func (s *SocketCAN) Status() error {
	return s.StatusProbe()()
}

// StatusProbe snapshots the interface and cached bus state so the ip(8)
// call can run while frames keep flowing.
func (s *SocketCAN) StatusProbe() func() error {
	if s.fd < 0 {
		return func() error { return ErrNotInitialized }
	}
	iface, busState, log := s.iface, s.busState, s.log
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), ipTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, "ip", "-details", "-statistics", "link", "show", iface).CombinedOutput()
		if err != nil {
			log.Debug("ip link show failed", zap.Error(err))
			return busState
		}
		st, ok := parseLinkState(string(out))
		if !ok {
			return busState
		}
		return st.Err()
	}
}

// SetFilters installs CAN_RAW_FILTER entries on the socket.
func (s *SocketCAN) SetFilters(filters []Filter) error {
	if s.fd < 0 {
		return ErrNotInitialized
	}
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		cf := unix.CanFilter{Id: f.ID, Mask: f.Mask}
		if f.Extended {
			cf.Id |= unix.CAN_EFF_FLAG
			cf.Mask |= unix.CAN_EFF_FLAG
		}
		out = append(out, cf)
	}
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, out)
}

// AllowFrameKinds enables error frame delivery. RTR frames cannot be
// rejected in the kernel, so they are dropped in Read instead.
func (s *SocketCAN) AllowFrameKinds(rtr, errorFrames bool) error {
	if s.fd < 0 {
		return ErrNotInitialized
	}
	s.allowRTR = rtr
	mask := 0
	if errorFrames {
		mask = unix.CAN_ERR_MASK
	}
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, mask)
}

// SetBusOffAutoReset sets the controller restart delay. It only acts when
// link configuration is enabled.
func (s *SocketCAN) SetBusOffAutoReset(on bool) error {
	if !s.configureLink {
		return nil
	}
	ms := "0"
	if on {
		ms = "100"
	}
	return s.ip("link", "set", s.iface, "type", "can", "restart-ms", ms)
}

func (s *SocketCAN) ip(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ipTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	if err != nil {
		return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("ip %v: %v (%s)", args, err, out)}
	}
	return nil
}

func errorFrameState(raw uint32) error {
	const (
		errCtrl   = 0x00000004
		errBusOff = 0x00000040
	)
	switch {
	case raw&errBusOff != 0:
		return LinkState{BusState: "BUS-OFF"}.Err()
	case raw&errCtrl != 0:
		return LinkState{BusState: "ERROR-PASSIVE"}.Err()
	default:
		return nil
	}
}

func errnoError(op string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("%s: %s", op, errno.Error())}
	}
	return &AdapterError{Code: CodeFailed, Text: fmt.Sprintf("%s: %v", op, err)}
}
