// Package ble wraps the Bluetooth Low Energy central role: scanning for
// peripherals and short-lived connection leases used to write commands
// and receive notifications.
package ble

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable            = errors.New("ble: adapter not available")
	ErrDeviceNotFound         = errors.New("ble: device not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrClosed                 = errors.New("ble: link closed")
)

// Device is one peripheral seen during a scan.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int16  `json:"rssi"`
}

// Scanner discovers nearby peripherals.
type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration) ([]Device, error)
}

// Dialer opens a connection lease to one peripheral.
type Dialer interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Link is a single connection. It is owned by one caller and must be
// closed by it; a closed Link is never reused.
type Link interface {
	// Subscribe enables notifications on the characteristic and delivers
	// each payload to fn. fn is called from the stack's goroutine.
	Subscribe(charUUID string, fn func([]byte)) error
	Unsubscribe(charUUID string) error
	Write(charUUID string, data []byte) error
	// Close disconnects from the peripheral.
	Close() error
}

// Central is a full BLE backend.
type Central interface {
	Scanner
	Dialer
}

// New returns the backend for driver: "bluez" (the OS stack) or "demo".
func New(driver string) (Central, error) {
	switch driver {
	case "demo", "":
		return NewDemo(DemoOptions{}), nil
	case "bluez", "native":
		return NewNative(), nil
	default:
		return nil, errors.New("ble: unknown driver " + driver)
	}
}
