package automation

// Event types pushed to progress subscribers.
const (
	EventLog      = "log"
	EventComplete = "test_complete"
	EventStopped  = "test_stopped"
)

// Event is one progress notification. Log events carry Data; the terminal
// test_complete event carries Stats, Success and optionally Error; the
// terminal test_stopped event carries Message.
type Event struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Data    string `json:"data,omitempty"`
	Stats   *Stats `json:"stats,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Notifier fans events out to subscribers. Publish must not block.
type Notifier interface {
	Publish(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Publish(ev Event) { f(ev) }

func logEvent(runID, line string) Event {
	return Event{Type: EventLog, RunID: runID, Data: line}
}

func completeEvent(runID string, stats Stats, err error) Event {
	ok := err == nil
	ev := Event{Type: EventComplete, RunID: runID, Stats: &stats, Success: &ok}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func stoppedEvent(runID string, stats Stats) Event {
	return Event{Type: EventStopped, RunID: runID, Stats: &stats, Message: "Test stopped by user"}
}
