package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/ble"
)

const testUUID = "01ff0101-ba5e-f4ee-5ca1-eb1e5e4b1ce0"

// fakeDevice scripts a peripheral. Dial numbers are 1-based.
type fakeDevice struct {
	mu        sync.Mutex
	dials     int
	open      int
	failDial  map[int]bool
	failWrite map[int]int // dial -> command index within that lease
	written   []string
	reply     func(cmd string) []string
}

func (d *fakeDevice) Dial(_ context.Context, address string) (ble.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failDial[d.dials] {
		return nil, fmt.Errorf("dial %s: %w", address, ble.ErrDeviceNotFound)
	}
	d.open++
	return &fakeLink{dev: d, dial: d.dials}, nil
}

func (d *fakeDevice) Written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.written...)
}

func (d *fakeDevice) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeLink struct {
	dev    *fakeDevice
	dial   int
	writes int
	fn     func([]byte)
	closed bool
}

func (l *fakeLink) Subscribe(_ string, fn func([]byte)) error {
	l.fn = fn
	return nil
}

func (l *fakeLink) Unsubscribe(string) error {
	l.fn = nil
	return nil
}

func (l *fakeLink) Write(_ string, data []byte) error {
	d := l.dev
	d.mu.Lock()
	idx := l.writes
	l.writes++
	if at, ok := d.failWrite[l.dial]; ok && at == idx {
		d.mu.Unlock()
		return ble.ErrClosed
	}
	cmd := string(data)
	d.written = append(d.written, cmd)
	reply := d.reply
	d.mu.Unlock()

	if reply != nil && l.fn != nil {
		for _, r := range reply(cmd) {
			l.fn([]byte(r))
		}
	}
	return nil
}

func (l *fakeLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.dev.mu.Lock()
	l.dev.open--
	l.dev.mu.Unlock()
	return nil
}

func passAll(string) []string { return []string{"K:0;"} }

type recorder struct {
	mu       sync.Mutex
	events   []Event
	terminal chan Event
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan Event, 8)}
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Type != EventLog {
		r.terminal <- e
	}
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitTerminal(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.terminal:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
		return Event{}
	}
}

type memorySink struct {
	mu   sync.Mutex
	recs []CommandRecord
}

func (s *memorySink) Append(rec CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func commands(n int) string {
	var s string
	for i := 0; i < n; i++ {
		s += fmt.Sprintf("FETCH,A,%d:1*\n", i)
	}
	return s
}

func fastConfig(script string, chunk int) Config {
	return Config{
		Address:            "00:60:37:2D:CF:27",
		WriteUUID:          testUUID,
		NotifyUUID:         testUUID,
		ChunkSize:          chunk,
		MaxRetries:         3,
		RetryDelay:         time.Millisecond,
		InterChunkInterval: time.Millisecond,
		SettleInterval:     time.Millisecond,
		Source:             Source{Script: script},
	}
}

func TestRunRecoversFromConnectionFailures(t *testing.T) {
	dev := &fakeDevice{failDial: map[int]bool{1: true, 2: true}, reply: passAll}
	rec := newRecorder()
	sink := &memorySink{}
	m := NewManager(dev, sink, rec, zap.NewNop(), nil)

	id, err := m.Start(fastConfig(commands(45), 30))
	require.NoError(t, err)

	done := rec.waitTerminal(t)
	assert.Equal(t, EventComplete, done.Type)
	assert.Equal(t, id, done.RunID)
	require.NotNil(t, done.Success)
	assert.True(t, *done.Success)
	require.NotNil(t, done.Stats)
	assert.Equal(t, Stats{Total: 45, Success: 45}, *done.Stats)

	assert.Equal(t, 4, dev.Dials())
	assert.Zero(t, dev.Open())
	assert.Equal(t, 45, rec.count(EventLog))
	assert.Len(t, sink.recs, 45)
	assert.Equal(t, id, sink.recs[0].RunID)

	snap := m.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, OutcomeCompleted, snap.Outcome)
	assert.Equal(t, 45, snap.Commands)
}

func TestChunkRetryStartsFromFirstCommand(t *testing.T) {
	dev := &fakeDevice{failWrite: map[int]int{1: 2}, reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	_, err := m.Start(fastConfig("a\nb\nc", 3))
	require.NoError(t, err)
	done := rec.waitTerminal(t)
	require.True(t, *done.Success)

	assert.Equal(t, []string{"a", "b", "a", "b", "c"}, dev.Written())
	// Records from the failed attempt still count.
	assert.Equal(t, 5, done.Stats.Total)
	assert.Zero(t, dev.Open())
}

func TestChunkExhaustionAbortsRun(t *testing.T) {
	dev := &fakeDevice{failDial: map[int]bool{2: true, 3: true, 4: true}, reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	_, err := m.Start(fastConfig("a\nb\nc\nd\ne\nf", 2))
	require.NoError(t, err)

	done := rec.waitTerminal(t)
	assert.Equal(t, EventComplete, done.Type)
	require.NotNil(t, done.Success)
	assert.False(t, *done.Success)
	assert.Contains(t, done.Error, ErrChunkExhausted.Error())

	assert.Equal(t, []string{"a", "b"}, dev.Written())
	assert.Equal(t, 4, dev.Dials())
	assert.Equal(t, OutcomeAborted, m.Snapshot().Outcome)
	assert.NotEmpty(t, m.Snapshot().Error)
}

func TestStopEmitsSingleStoppedEvent(t *testing.T) {
	dev := &fakeDevice{reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	cfg := fastConfig(commands(200), 50)
	cfg.SettleInterval = 20 * time.Millisecond
	_, err := m.Start(cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count(EventLog) > 0 }, 5*time.Second, time.Millisecond)
	assert.True(t, m.Snapshot().Running)
	require.True(t, m.Stop())

	done := rec.waitTerminal(t)
	assert.Equal(t, EventStopped, done.Type)
	assert.Equal(t, "Test stopped by user", done.Message)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventStopped))
	assert.Zero(t, rec.count(EventComplete))
	assert.Less(t, len(dev.Written()), 200)
	assert.Zero(t, dev.Open())
	assert.Equal(t, OutcomeStopped, m.Snapshot().Outcome)
	assert.False(t, m.Stop())
}

func TestZeroInterChunkIntervalDoesNotWait(t *testing.T) {
	dev := &fakeDevice{reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	cfg := fastConfig("a\nb\nc\nd", 2)
	cfg.InterChunkInterval = 0
	began := time.Now()
	_, err := m.Start(cfg)
	require.NoError(t, err)

	done := rec.waitTerminal(t)
	require.True(t, *done.Success)
	assert.Equal(t, 4, done.Stats.Total)
	assert.Equal(t, 2, dev.Dials())
	assert.Less(t, time.Since(began), time.Second)
}

func TestStartCancelsPreviousRun(t *testing.T) {
	dev := &fakeDevice{reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	slow := fastConfig(commands(100), 100)
	slow.SettleInterval = 20 * time.Millisecond
	first, err := m.Start(slow)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(EventLog) > 0 }, 5*time.Second, time.Millisecond)

	second, err := m.Start(fastConfig("x\ny", 30))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stopped := rec.waitTerminal(t)
	assert.Equal(t, EventStopped, stopped.Type)
	assert.Equal(t, first, stopped.RunID)

	done := rec.waitTerminal(t)
	assert.Equal(t, EventComplete, done.Type)
	assert.Equal(t, second, done.RunID)
	assert.Equal(t, 2, done.Stats.Total)
}

func TestStartRejectsBadInput(t *testing.T) {
	m := NewManager(&fakeDevice{}, nil, nil, nil, nil)

	cfg := fastConfig("a", 1)
	cfg.Address = ""
	_, err := m.Start(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = fastConfig("", 1)
	cfg.Source.DefaultPath = t.TempDir() + "/none.csv"
	_, err = m.Start(cfg)
	assert.True(t, errors.Is(err, ErrNoCommandsResolved))
	assert.False(t, m.Snapshot().Running)
}

func TestResponseHandling(t *testing.T) {
	replies := map[string][]string{
		"first":  {"K:0;", "K:-1;"},
		"silent": nil,
		"fail":   {"K:-2;"},
		"odd":    {"K:9;"},
	}
	dev := &fakeDevice{reply: func(cmd string) []string { return replies[cmd] }}
	rec := newRecorder()
	sink := &memorySink{}
	m := NewManager(dev, sink, rec, zap.NewNop(), nil)

	_, err := m.Start(fastConfig("first\nsilent\nfail\nodd", 10))
	require.NoError(t, err)
	done := rec.waitTerminal(t)

	assert.Equal(t, Stats{Total: 4, Success: 1, Failed: 1, Unknown: 2}, *done.Stats)
	require.Len(t, sink.recs, 4)
	assert.Equal(t, "K:0;", sink.recs[0].Response)
	assert.Equal(t, Pass, sink.recs[0].Verdict)
	assert.Equal(t, NoResponse, sink.recs[1].Response)
	assert.Equal(t, InvalidFormat, sink.recs[1].Verdict)
	assert.Equal(t, Fail, sink.recs[2].Verdict)
	assert.Equal(t, Unknown, sink.recs[3].Verdict)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "silent -> No response -> Invalid Format", rec.events[1].Data)
}

func TestShutdownWaitsForRun(t *testing.T) {
	dev := &fakeDevice{reply: passAll}
	rec := newRecorder()
	m := NewManager(dev, nil, rec, zap.NewNop(), nil)

	cfg := fastConfig(commands(100), 100)
	cfg.SettleInterval = 20 * time.Millisecond
	_, err := m.Start(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, m.Snapshot().Running)
	assert.Equal(t, 1, rec.count(EventStopped))
	assert.NoError(t, m.Shutdown(ctx))
}
