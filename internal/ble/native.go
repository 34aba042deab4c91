package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

const (
	defaultScanTimeout = 5 * time.Second
	stopScanRetry      = 50 * time.Millisecond
)

// stack is the part of *bluetooth.Adapter Native uses.
type stack interface {
	Enable() error
	Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// Native talks to the operating system BLE stack (BlueZ on Linux).
// The stack supports one scan at a time, so scans and dials are serialized.
type Native struct {
	adapter stack

	enableOnce sync.Once
	enableErr  error

	mu sync.Mutex
}

func NewNative() *Native {
	return &Native{adapter: bluetooth.DefaultAdapter}
}

func (n *Native) enable() error {
	n.enableOnce.Do(func() {
		if err := n.adapter.Enable(); err != nil {
			n.enableErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	})
	return n.enableErr
}

// Scan collects advertisements until the timeout or ctx expires. Each
// address is reported once with its latest name and signal strength.
func (n *Native) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if err := n.enable(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		seenMu sync.Mutex
		order  []string
		seen   = make(map[string]Device)
	)
	err := n.scan(ctx, func(r bluetooth.ScanResult) bool {
		addr := r.Address.String()
		name := r.LocalName()
		if name == "" {
			name = "Unknown"
		}
		seenMu.Lock()
		if _, ok := seen[addr]; !ok {
			order = append(order, addr)
		}
		seen[addr] = Device{Address: addr, Name: name, RSSI: r.RSSI}
		seenMu.Unlock()
		return false
	})
	if err != nil {
		return nil, err
	}

	seenMu.Lock()
	defer seenMu.Unlock()
	out := make([]Device, 0, len(order))
	for _, addr := range order {
		out = append(out, seen[addr])
	}
	return out, nil
}

// scan runs the adapter scan until ctx is done or found returns true.
func (n *Native) scan(ctx context.Context, found func(bluetooth.ScanResult) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stopped := make(chan struct{})
	go n.stopOnDone(ctx, stopped)
	defer close(stopped)

	err := n.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if found(r) {
			n.adapter.StopScan()
		}
	})
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// stopOnDone stops the running scan once ctx is done. StopScan fails until
// the stack has actually started scanning, so it is retried until it takes
// or the scan returns on its own.
func (n *Native) stopOnDone(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}
	ticker := time.NewTicker(stopScanRetry)
	defer ticker.Stop()
	for {
		if err := n.adapter.StopScan(); err == nil {
			return
		}
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}
	}
}

// Dial locates the peripheral by address and connects to it.
func (n *Native) Dial(ctx context.Context, address string) (Link, error) {
	if err := n.enable(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, defaultScanTimeout*2)
	defer cancel()

	var (
		target bluetooth.Address
		ok     bool
	)
	err := n.scan(scanCtx, func(r bluetooth.ScanResult) bool {
		if strings.EqualFold(r.Address.String(), address) {
			target, ok = r.Address, true
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
	}

	dev, err := n.adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", address, err)
	}
	return &nativeLink{device: dev, chars: make(map[string]bluetooth.DeviceCharacteristic)}, nil
}

type nativeLink struct {
	device bluetooth.Device

	mu     sync.Mutex
	chars  map[string]bluetooth.DeviceCharacteristic
	closed bool
}

// characteristic resolves a characteristic UUID, discovering services on
// first use.
func (l *nativeLink) characteristic(charUUID string) (bluetooth.DeviceCharacteristic, error) {
	key := strings.ToLower(charUUID)
	if c, ok := l.chars[key]; ok {
		return c, nil
	}
	want, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: bad uuid %q: %w", charUUID, err)
	}

	services, err := l.device.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, c := range chars {
			l.chars[strings.ToLower(c.UUID().String())] = c
		}
	}
	if c, ok := l.chars[strings.ToLower(want.String())]; ok {
		return c, nil
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
}

func (l *nativeLink) Subscribe(charUUID string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	c, err := l.characteristic(charUUID)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(fn); err != nil {
		return fmt.Errorf("ble: enable notifications: %w", err)
	}
	return nil
}

func (l *nativeLink) Unsubscribe(charUUID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	c, err := l.characteristic(charUUID)
	if err != nil {
		return err
	}
	// A nil callback disables notifications.
	return c.EnableNotifications(nil)
}

func (l *nativeLink) Write(charUUID string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	c, err := l.characteristic(charUUID)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (l *nativeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.device.Disconnect()
}
