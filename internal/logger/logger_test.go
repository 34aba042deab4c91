package logger

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/rigbridge/internal/automation"
)

func record(cmd, resp string, v automation.Verdict) automation.CommandRecord {
	return automation.CommandRecord{
		Command:  cmd,
		Response: resp,
		Verdict:  v,
		Time:     time.Date(2024, 5, 1, 13, 4, 5, 0, time.Local),
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExecutionLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "execution_log.csv")
	l := NewExecutionLog(Config{Path: path}, zaptest.NewLogger(t))

	require.NoError(t, l.Append(record("FETCH,A,11:10*", "11:0;", automation.Pass)))
	require.NoError(t, l.Append(record("FETCH,A,12:1*", automation.NoResponse, automation.InvalidFormat)))
	l.Close()

	// Reopening appends without a second header.
	l = NewExecutionLog(Config{Path: path}, zaptest.NewLogger(t))
	require.NoError(t, l.Append(record("X", "X:-1;", automation.Fail)))
	l.Close()

	rows := readRows(t, path)
	assert.Equal(t, [][]string{
		{"command", "response", "verdict", "timestamp"},
		{"FETCH,A,11:10*", "11:0;", "P", "2024-05-01 13:04:05"},
		{"FETCH,A,12:1*", "No response", "Invalid Format", "2024-05-01 13:04:05"},
		{"X", "X:-1;", "F", "2024-05-01 13:04:05"},
	}, rows)

	tail, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "FETCH,A,12:1*", tail[0].Command)
	assert.Equal(t, "F", tail[1].Verdict)
}

func TestExecutionLogTailMissingFile(t *testing.T) {
	l := NewExecutionLog(Config{Path: filepath.Join(t.TempDir(), "none.csv")}, nil)
	tail, err := l.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestExecutionLogRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exec.csv")
	l := NewExecutionLog(Config{Path: path, MaxRows: 2}, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(record("C", "C:0;", automation.Pass)))
	}
	l.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "exec_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, readRows(t, matches[0]), 3)
	assert.Len(t, readRows(t, path), 2)
}

func TestExecutionLogConcurrentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.csv")
	l := NewExecutionLog(Config{Path: path}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, l.Append(record("C", "C:0;", automation.Pass)))
			}
		}()
	}
	wg.Wait()
	l.Close()
	assert.Len(t, readRows(t, path), 201)
}

func TestFrameArchiveAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	a := NewFrameArchive(path, zaptest.NewLogger(t))
	calls := 0
	a.now = func() time.Time {
		calls++
		return time.Date(2024, 5, 1, 13, 4, calls, 0, time.UTC)
	}

	n, err := a.Append([]json.RawMessage{json.RawMessage(`{"id":"123"}`), json.RawMessage(`{"id":"456"}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = a.Append(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	doc, err := a.Load()
	require.NoError(t, err)
	require.Len(t, doc.Messages, 2)
	assert.JSONEq(t, `{"id":"456"}`, string(doc.Messages[1]))
	assert.Equal(t, []string{"2024-05-01T13:04:01.000000", "2024-05-01T13:04:02.000000"}, doc.SavedAt)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFrameArchiveRecoversFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	a := NewFrameArchive(path, nil)
	_, err := a.Append([]json.RawMessage{json.RawMessage(`1`)})
	require.NoError(t, err)

	doc, err := a.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Messages, 1)
	assert.Len(t, doc.SavedAt, 1)
}
