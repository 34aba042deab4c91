package ble

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// DemoOptions shapes the simulated peripheral.
type DemoOptions struct {
	Devices []Device
	// Delay before a command is answered. Defaults to 50ms.
	ReplyDelay time.Duration
}

// Demo simulates a peripheral that answers each written command with a
// "<key>:<value>;" notification. Most commands pass; a stable subset of
// commands fail, report an unknown value, or get no reply at all.
type Demo struct {
	opts DemoOptions
}

func NewDemo(opts DemoOptions) *Demo {
	if len(opts.Devices) == 0 {
		opts.Devices = []Device{
			{Address: "00:60:37:2D:CF:27", Name: "TPMS-Sensor-Demo", RSSI: -48},
			{Address: "C4:4F:33:12:9A:01", Name: "Unknown", RSSI: -77},
		}
	}
	if opts.ReplyDelay <= 0 {
		opts.ReplyDelay = 50 * time.Millisecond
	}
	return &Demo{opts: opts}
}

func (d *Demo) Scan(ctx context.Context, timeout time.Duration) ([]Device, error) {
	wait := timeout
	if wait > 200*time.Millisecond {
		wait = 200 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	return append([]Device(nil), d.opts.Devices...), nil
}

func (d *Demo) Dial(ctx context.Context, address string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, dev := range d.opts.Devices {
		if strings.EqualFold(dev.Address, address) {
			return &demoLink{delay: d.opts.ReplyDelay, subs: make(map[string]func([]byte))}, nil
		}
	}
	return nil, ErrDeviceNotFound
}

type demoLink struct {
	delay time.Duration

	mu     sync.Mutex
	subs   map[string]func([]byte)
	closed bool
	timers []*time.Timer
}

func (l *demoLink) Subscribe(charUUID string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.subs[strings.ToLower(charUUID)] = fn
	return nil
}

func (l *demoLink) Unsubscribe(charUUID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, strings.ToLower(charUUID))
	return nil
}

// Write schedules the reply on every subscribed characteristic.
func (l *demoLink) Write(_ string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	reply, ok := DemoReply(string(data))
	if !ok {
		return nil
	}
	l.timers = append(l.timers, time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		fns := make([]func([]byte), 0, len(l.subs))
		for _, fn := range l.subs {
			fns = append(fns, fn)
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		for _, fn := range fns {
			fn([]byte(reply))
		}
	}))
	return nil
}

func (l *demoLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.subs = map[string]func([]byte){}
	return nil
}

// DemoReply returns the simulated answer to cmd and false when the
// peripheral stays silent.
func DemoReply(cmd string) (string, bool) {
	key := strings.TrimSuffix(strings.TrimSpace(cmd), "*")
	if i := strings.LastIndex(key, ","); i >= 0 {
		key = key[i+1:]
	}
	if i := strings.Index(key, ":"); i >= 0 {
		key = key[:i]
	}

	h := fnv.New32a()
	h.Write([]byte(cmd))
	switch h.Sum32() % 20 {
	case 0:
		return "", false
	case 1:
		return key + ":-1;", true
	case 2:
		return key + ":7;", true
	case 3:
		return key + ":P;", true
	default:
		return key + ":0;", true
	}
}
