package automation

import (
	"fmt"
	"sync"
	"time"
)

// NoResponse is recorded when no notification arrived within the settle
// interval.
const NoResponse = "No response"

// CommandRecord is one executed command and its classified response.
type CommandRecord struct {
	RunID    string    `json:"run_id"`
	Command  string    `json:"command"`
	Response string    `json:"response"`
	Verdict  Verdict   `json:"verdict"`
	Time     time.Time `json:"timestamp"`
}

// DisplayLine is the progress line streamed to subscribers.
func (r CommandRecord) DisplayLine() string {
	return fmt.Sprintf("%s -> %s -> %s", r.Command, r.Response, r.Verdict)
}

// RecordSink persists command records. Append is called from the run
// goroutine, one record at a time, in execution order.
type RecordSink interface {
	Append(rec CommandRecord) error
}

// Stats counts the records produced by one run.
// Total always equals Success + Failed + Unknown.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
}

type tally struct {
	mu sync.Mutex
	s  Stats
}

// add counts one verdict and returns the updated totals.
func (t *tally) add(v Verdict) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Total++
	switch v {
	case Pass:
		t.s.Success++
	case Fail:
		t.s.Failed++
	default:
		t.s.Unknown++
	}
	return t.s
}

func (t *tally) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
