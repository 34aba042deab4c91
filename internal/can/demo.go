package can

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const demoMaxBurst = 64

// Demo is a simulated adapter for development without hardware. It emits
// frames at a fixed rate from four rotating identifiers and echoes every
// written frame back on the receive side.
type Demo struct {
	mu    sync.Mutex
	rate  int
	open  bool
	last  time.Time
	t     float64
	seq   uint32
	queue []Frame
}

func NewDemo(rate int) *Demo {
	if rate <= 0 {
		rate = 50
	}
	return &Demo{rate: rate}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Open(Channel, BitRate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.last = time.Now()
	d.queue = nil
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.queue = nil
	return nil
}

func (d *Demo) Read() (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return Frame{}, ErrNotInitialized
	}
	d.generate(time.Now())
	if len(d.queue) == 0 {
		return Frame{}, ErrQueueEmpty
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, nil
}

// generate queues the frames due since the last call.
func (d *Demo) generate(now time.Time) {
	interval := time.Second / time.Duration(d.rate)
	due := int(now.Sub(d.last) / interval)
	if due <= 0 {
		return
	}
	d.last = d.last.Add(time.Duration(due) * interval)
	if due > demoMaxBurst {
		due = demoMaxBurst
	}
	for i := 0; i < due; i++ {
		d.t += 0.05
		wheel := d.seq % 4
		d.seq++
		pressure := uint16(2300 + 150*math.Sin(d.t+float64(wheel)) + rand.Float64()*10)
		temp := uint8(40 + 10*math.Sin(d.t*0.1) + rand.Float64()*2)
		f := Frame{
			ID:        0x3A0 + wheel,
			Len:       8,
			Timestamp: uint64(now.UnixMicro()),
		}
		f.Data[0] = byte(wheel)
		f.Data[1] = byte(pressure >> 8)
		f.Data[2] = byte(pressure)
		f.Data[3] = temp
		f.Data[7] = byte(int(d.t*10) & 0xFF)
		d.queue = append(d.queue, f)
	}
}

func (d *Demo) Write(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNotInitialized
	}
	f.Timestamp = nowMicros()
	d.queue = append(d.queue, f)
	return nil
}

func (d *Demo) Status() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotInitialized
	}
	return nil
}
