package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/ble"
	"github.com/shaunagostinho/rigbridge/internal/metrics"
)

// notificationBuffer bounds the notifications queued on one lease; extra
// notifications are dropped because only the first after a write counts.
const notificationBuffer = 16

// Chunk splits commands into consecutive groups of at most size entries.
func Chunk(commands []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	out := make([][]string, 0, (len(commands)+size-1)/size)
	for start := 0; start < len(commands); start += size {
		end := start + size
		if end > len(commands) {
			end = len(commands)
		}
		out = append(out, commands[start:end])
	}
	return out
}

// run executes one AutomationRun on a single goroutine. Commands and
// chunks run strictly in order; ctx is checked at every wait and before
// every write.
type run struct {
	id       string
	cfg      Config
	commands []string

	dialer  ble.Dialer
	sink    RecordSink
	notify  Notifier
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	stats tally
}

func (r *run) execute(ctx context.Context) error {
	chunks := Chunk(r.commands, r.cfg.ChunkSize)
	r.log.Info("run started",
		zap.Int("commands", len(r.commands)),
		zap.Int("chunks", len(chunks)),
		zap.String("device", r.cfg.Address))

	for i, chunk := range chunks {
		if err := r.executeChunk(ctx, i, len(chunks), chunk); err != nil {
			return err
		}
		if i < len(chunks)-1 {
			r.log.Debug("waiting before next chunk", zap.Duration("interval", r.cfg.InterChunkInterval))
			if err := sleep(ctx, r.cfg.InterChunkInterval); err != nil {
				return ErrCancelled
			}
		}
	}
	return nil
}

// executeChunk retries the whole chunk on a fresh lease until it succeeds
// or MaxRetries attempts have failed.
func (r *run) executeChunk(ctx context.Context, index, total int, chunk []string) error {
	log := r.log.With(zap.Int("chunk", index+1), zap.Int("of", total), zap.Int("size", len(chunk)))

	attempt := 0
	op := func() error {
		attempt++
		log.Info("chunk attempt", zap.Int("attempt", attempt))
		err := r.attempt(ctx, chunk)
		if err == nil {
			r.metrics.ChunkAttempt("success")
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ErrCancelled)
		}
		r.metrics.ChunkAttempt("failure")
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("chunk attempt failed", zap.Int("attempt", attempt), zap.Error(err), zap.Duration("retry_in", wait))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.MaxRetries-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		log.Info("chunk done", zap.Int("attempts", attempt))
		return nil
	case errors.Is(err, ErrCancelled), ctx.Err() != nil:
		return ErrCancelled
	default:
		log.Error("chunk exhausted", zap.Int("attempts", attempt), zap.Error(err))
		return fmt.Errorf("%w: chunk %d/%d after %d attempts: %v", ErrChunkExhausted, index+1, total, attempt, err)
	}
}

// attempt runs one chunk on its own connection lease. The lease never
// outlives this call.
func (r *run) attempt(ctx context.Context, chunk []string) error {
	link, err := r.dialer.Dial(ctx, r.cfg.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer r.teardown(link)

	notes := make(chan string, notificationBuffer)
	err = link.Subscribe(r.cfg.NotifyUUID, func(b []byte) {
		select {
		case notes <- strings.ToValidUTF8(string(b), ""):
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrConnectionFailed, err)
	}

	for _, cmd := range chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		drain(notes)
		if err := link.Write(r.cfg.WriteUUID, []byte(cmd)); err != nil {
			return fmt.Errorf("write %q: %w", cmd, err)
		}
		resp, err := awaitFirst(ctx, notes, r.cfg.SettleInterval)
		if err != nil {
			return err
		}
		r.record(cmd, resp)
	}
	return nil
}

func (r *run) teardown(link ble.Link) {
	if err := link.Unsubscribe(r.cfg.NotifyUUID); err != nil {
		r.log.Debug("unsubscribe failed", zap.Error(err))
	}
	if err := link.Close(); err != nil {
		r.log.Debug("disconnect failed", zap.Error(err))
	}
}

func (r *run) record(cmd, resp string) {
	if resp == "" {
		resp = NoResponse
	}
	rec := CommandRecord{
		RunID:    r.id,
		Command:  cmd,
		Response: resp,
		Verdict:  Validate(resp),
		Time:     r.now(),
	}
	r.stats.add(rec.Verdict)
	r.metrics.Command(rec.Verdict.Label())

	if r.sink != nil {
		if err := r.sink.Append(rec); err != nil {
			r.log.Warn("record not persisted", zap.Error(err))
		}
	}
	line := rec.DisplayLine()
	r.log.Debug("command", zap.String("result", line))
	r.notify.Publish(logEvent(r.id, line))
}

// awaitFirst waits the full settle interval and returns the first
// notification received in it, or "" when none arrived.
func awaitFirst(ctx context.Context, notes <-chan string, settle time.Duration) (string, error) {
	timer := time.NewTimer(settle)
	defer timer.Stop()

	var (
		first string
		got   bool
	)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case n := <-notes:
			if !got {
				first, got = n, true
			}
		case <-timer.C:
			return first, nil
		}
	}
}

func drain(notes <-chan string) {
	for {
		select {
		case <-notes:
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
