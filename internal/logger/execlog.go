// Package logger persists run results: the command execution log and the
// captured-frame archive.
package logger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/rigbridge/internal/automation"
)

// TimeLayout is the timestamp format of execution log rows.
const TimeLayout = "2006-01-02 15:04:05"

// Config holds execution log configuration.
type Config struct {
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultPath    = "logs/execution_log.csv"
	defaultMaxRows = 100_000 // rotate after this many rows
)

var csvHeader = []string{"command", "response", "verdict", "timestamp"}

// Entry is one row read back from the execution log.
type Entry struct {
	Command   string `json:"command"`
	Response  string `json:"response"`
	Verdict   string `json:"verdict"`
	Timestamp string `json:"timestamp"`
}

// ExecutionLog appends one CSV row per executed command. It is safe for
// concurrent use and implements automation.RecordSink.
type ExecutionLog struct {
	mu      sync.Mutex
	path    string
	maxRows int
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
}

// NewExecutionLog creates a log writing to cfg.Path. The file is opened
// lazily on the first Append.
func NewExecutionLog(cfg Config, log *zap.Logger) *ExecutionLog {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecutionLog{path: cfg.Path, maxRows: cfg.MaxRows, log: log}
}

// Path returns the active log file.
func (l *ExecutionLog) Path() string { return l.path }

// Append writes rec and flushes it to disk.
func (l *ExecutionLog) Append(rec automation.CommandRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		if err := l.openFile(); err != nil {
			return err
		}
	}
	if l.rows >= l.maxRows {
		if err := l.rotateFile(time.Now()); err != nil {
			return err
		}
	}

	row := []string{rec.Command, rec.Response, rec.Verdict.String(), rec.Time.Format(TimeLayout)}
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	l.rows++
	return nil
}

// Tail returns up to n of the most recent rows, oldest first.
func (l *ExecutionLog) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	entries := []Entry{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", l.path, err)
		}
		if len(rec) < len(csvHeader) || rec[0] == csvHeader[0] {
			continue
		}
		entries = append(entries, Entry{Command: rec[0], Response: rec[1], Verdict: rec[2], Timestamp: rec[3]})
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	return entries, nil
}

// Close flushes and closes the current log file.
func (l *ExecutionLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

// openFile appends to an existing log, writing the header only to a new one.
func (l *ExecutionLog) openFile() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(l.path), err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", l.path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0
	if info.Size() == 0 {
		if err := l.writer.Write(csvHeader); err != nil {
			return err
		}
		l.writer.Flush()
	}
	l.log.Info("execution log opened", zap.String("path", l.path))
	return nil
}

// rotateFile moves the full log aside and starts a fresh one.
func (l *ExecutionLog) rotateFile(now time.Time) error {
	l.closeFile()

	ext := filepath.Ext(l.path)
	archived := fmt.Sprintf("%s_%s%s", l.path[:len(l.path)-len(ext)], now.Format("2006-01-02_150405"), ext)
	if err := os.Rename(l.path, archived); err != nil {
		return fmt.Errorf("rotate %s: %w", l.path, err)
	}
	l.log.Info("execution log rotated", zap.String("archived", archived))
	return l.openFile()
}

func (l *ExecutionLog) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
