// Package automation drives chunked, retried command sessions against a
// BLE peripheral and reports progress as events.
package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/ble"
	"github.com/shaunagostinho/rigbridge/internal/metrics"
)

// Run outcomes reported in snapshots and metrics.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeStopped   = "stopped"
)

// Snapshot describes the active run, or the last finished one.
type Snapshot struct {
	Running    bool       `json:"running"`
	RunID      string     `json:"run_id,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
	Commands   int        `json:"commands"`
	Stats      Stats      `json:"stats"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type activeRun struct {
	run       *run
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Manager owns at most one run at a time.
type Manager struct {
	dialer  ble.Dialer
	sink    RecordSink
	notify  Notifier
	log     *zap.Logger
	metrics *metrics.Metrics

	startMu sync.Mutex // serializes Start

	mu     sync.Mutex
	active *activeRun
	last   Snapshot
}

// NewManager wires a manager. sink and m may be nil.
func NewManager(dialer ble.Dialer, sink RecordSink, notify Notifier, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if notify == nil {
		notify = NotifierFunc(func(Event) {})
	}
	return &Manager{dialer: dialer, sink: sink, notify: notify, log: log, metrics: m}
}

// Start resolves the command list and launches a run in the background,
// returning its id. An active run is cancelled and fully unwound first.
// Configuration and resolution errors are returned before anything is
// cancelled.
func (m *Manager) Start(cfg Config) (string, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	commands, err := cfg.Source.Resolve()
	if err != nil {
		return "", err
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	prev := m.active
	m.mu.Unlock()
	if prev != nil {
		m.log.Info("cancelling active run", zap.String("run_id", prev.run.id))
		prev.cancel()
		<-prev.done
	}

	id := uuid.NewString()
	r := &run{
		id:       id,
		cfg:      cfg,
		commands: commands,
		dialer:   m.dialer,
		sink:     m.sink,
		notify:   m.notify,
		log:      m.log.With(zap.String("run_id", id)),
		metrics:  m.metrics,
		now:      time.Now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &activeRun{run: r, cancel: cancel, done: make(chan struct{}), startedAt: time.Now()}

	m.mu.Lock()
	m.active = a
	m.mu.Unlock()

	go m.supervise(ctx, a)
	return id, nil
}

// supervise runs r and emits exactly one terminal event.
func (m *Manager) supervise(ctx context.Context, a *activeRun) {
	defer close(a.done)
	defer a.cancel()

	r := a.run
	err := r.execute(ctx)
	stats := r.stats.snapshot()

	outcome := OutcomeCompleted
	switch {
	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		outcome = OutcomeStopped
		err = nil
		m.notify.Publish(stoppedEvent(r.id, stats))
	case err != nil:
		outcome = OutcomeAborted
		m.notify.Publish(completeEvent(r.id, stats, err))
	default:
		m.notify.Publish(completeEvent(r.id, stats, nil))
	}
	m.metrics.RunFinished(outcome)
	r.log.Info("run finished", zap.String("outcome", outcome),
		zap.Int("total", stats.Total), zap.Int("success", stats.Success),
		zap.Int("failed", stats.Failed), zap.Int("unknown", stats.Unknown))

	finished := time.Now()
	snap := Snapshot{
		RunID:      r.id,
		Outcome:    outcome,
		Commands:   len(r.commands),
		Stats:      stats,
		StartedAt:  &a.startedAt,
		FinishedAt: &finished,
	}
	if err != nil {
		snap.Error = err.Error()
	}

	m.mu.Lock()
	if m.active == a {
		m.active = nil
	}
	m.last = snap
	m.mu.Unlock()
}

// Stop cancels the active run. It returns false when nothing is running.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	return true
}

// Shutdown stops the active run and waits for it to unwind or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports live stats for the active run or the last result.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.active; a != nil {
		started := a.startedAt
		return Snapshot{
			Running:   true,
			RunID:     a.run.id,
			Outcome:   OutcomeRunning,
			Commands:  len(a.run.commands),
			Stats:     a.run.stats.snapshot(),
			StartedAt: &started,
		}
	}
	return m.last
}
