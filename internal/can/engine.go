package can

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/metrics"
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	DefaultJoinTimeout  = 2 * time.Second
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration
	JoinTimeout  time.Duration
	BufferSize   int

	// Applied after a successful Initialize when the adapter is a Tuner.
	Filters          []Filter
	AllowRTR         bool
	AllowErrorFrames bool
	BusOffAutoReset  bool
}

// Status is the adapter health as reported to clients.
type Status struct {
	Code string `json:"status_code"`
	Text string `json:"status_text"`
}

type session struct {
	channel Channel
	bitRate BitRate
	counter uint64
}

// Engine owns one adapter session, a background poll loop and the frame
// buffer the loop fills. All adapter calls go through mu, held for the
// duration of a single call. A StatusProber's probe runs outside it.
type Engine struct {
	adapter Adapter
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	lifecycle sync.Mutex // serializes Initialize and Release

	mu      sync.Mutex
	session *session
	stop    chan struct{}
	done    chan struct{}

	buf *FrameBuffer
}

// NewEngine creates an engine around adapter. A nil adapter is allowed and
// makes Initialize fail with ErrAdapterUnavailable.
func NewEngine(adapter Adapter, opts Options, log *zap.Logger, m *metrics.Metrics) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		adapter: adapter,
		opts:    opts,
		log:     log,
		metrics: m,
		buf:     NewFrameBuffer(opts.BufferSize),
	}
}

// Initialize opens a session and starts the poll loop.
func (e *Engine) Initialize(channel, bitRate string) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.adapter == nil {
		return ErrAdapterUnavailable
	}
	ch, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	rate, err := ParseBitRate(bitRate)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	if err := e.adapter.Open(ch, rate); err != nil {
		e.mu.Unlock()
		return asAdapterError(err)
	}
	e.tune()
	e.session = &session{channel: ch, bitRate: rate}
	e.buf.Clear()
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	go e.pollLoop(stop, done)

	e.log.Info("bus initialized",
		zap.String("adapter", e.adapter.Name()),
		zap.Stringer("channel", ch),
		zap.Stringer("bit_rate", rate))
	return nil
}

// tune applies optional adapter settings. Failures are logged only.
// Caller holds mu.
func (e *Engine) tune() {
	t, ok := e.adapter.(Tuner)
	if !ok {
		return
	}
	if len(e.opts.Filters) > 0 {
		if err := t.SetFilters(e.opts.Filters); err != nil {
			e.log.Warn("set filters failed", zap.Error(err))
		}
	}
	if err := t.AllowFrameKinds(e.opts.AllowRTR, e.opts.AllowErrorFrames); err != nil {
		e.log.Warn("frame kind permissions failed", zap.Error(err))
	}
	if err := t.SetBusOffAutoReset(e.opts.BusOffAutoReset); err != nil {
		e.log.Warn("bus-off auto reset failed", zap.Error(err))
	}
}

// Release stops the poll loop, closes the adapter session and clears the
// buffer. Without an open session it returns ErrNotInitialized and does
// not touch the adapter.
func (e *Engine) Release() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	e.session = nil
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(e.opts.JoinTimeout):
		e.log.Warn("poll loop did not stop in time", zap.Duration("timeout", e.opts.JoinTimeout))
	}

	e.mu.Lock()
	err := e.adapter.Close()
	e.mu.Unlock()

	e.buf.Clear()
	e.metrics.BufferDepth(0)

	if err != nil {
		return asAdapterError(err)
	}
	e.log.Info("bus released")
	return nil
}

// Initialized reports whether a session is open.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// ReadNext returns the oldest buffered frame, or polls the adapter once when
// the buffer is empty. It never blocks waiting for traffic and returns
// nil, nil when there is nothing to read.
func (e *Engine) ReadNext() (*Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, ErrNotInitialized
	}

	f, ok := e.buf.Pop()
	if ok {
		e.metrics.BufferDepth(e.buf.Len())
	} else {
		var err error
		f, err = e.adapter.Read()
		if errors.Is(err, ErrQueueEmpty) {
			return nil, nil
		}
		if err != nil {
			return nil, asAdapterError(err)
		}
		if f.Timestamp == 0 {
			f.Timestamp = nowMicros()
		}
	}

	e.session.counter++
	f.Counter = e.session.counter
	e.metrics.FrameRead()
	return &f, nil
}

// Write sends one frame. Extended addressing is chosen automatically when
// the identifier needs it.
func (e *Engine) Write(id string, data []byte, extended, rtr bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return ErrNotInitialized
	}
	v, wide, err := ParseID(id)
	if err != nil {
		return err
	}
	f, err := NewFrame(v, data, extended || wide, rtr)
	if err != nil {
		return err
	}
	if err := e.adapter.Write(f); err != nil {
		return asAdapterError(err)
	}
	e.log.Debug("frame sent", zap.Stringer("frame", f))
	return nil
}

// Status reports "Not initialized" or the adapter health.
func (e *Engine) Status() Status {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return Status{Code: FormatCode(CodeFailed), Text: "Not initialized"}
	}
	var err error
	if p, ok := e.adapter.(StatusProber); ok {
		probe := p.StatusProbe()
		e.mu.Unlock()
		err = probe()
	} else {
		err = e.adapter.Status()
		e.mu.Unlock()
	}
	if err == nil {
		return Status{Code: FormatCode(CodeOK), Text: "OK"}
	}
	ae := asAdapterError(err)
	return Status{Code: FormatCode(ae.Code), Text: ae.Text}
}

// Buffered returns the number of frames waiting in the buffer.
func (e *Engine) Buffered() int { return e.buf.Len() }

func (e *Engine) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		e.drain(stop)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// drain reads until the adapter reports an empty queue. Read errors and
// panics end the current cycle but never the loop.
func (e *Engine) drain(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.PollError()
			e.log.Error("poll loop recovered", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		f, err := e.pollOnce()
		if errors.Is(err, ErrQueueEmpty) || errors.Is(err, ErrNotInitialized) {
			return
		}
		if err != nil {
			e.metrics.PollError()
			e.log.Debug("poll read failed", zap.Error(err))
			return
		}

		if f.Timestamp == 0 {
			f.Timestamp = nowMicros()
		}
		if e.buf.Push(f) {
			e.metrics.FrameEvicted()
		}
		e.metrics.FrameCaptured()
		e.metrics.BufferDepth(e.buf.Len())
	}
}

func (e *Engine) pollOnce() (Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Frame{}, ErrNotInitialized
	}
	return e.adapter.Read()
}

func (s Status) String() string {
	return fmt.Sprintf("%s %s", s.Code, s.Text)
}
