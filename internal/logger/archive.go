package logger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ArchiveDocument is the on-disk shape of the frame archive. Every save
// appends its messages and one timestamp.
type ArchiveDocument struct {
	Messages []json.RawMessage `json:"messages"`
	SavedAt  []string          `json:"savedAt"`
}

// FrameArchive accumulates client-submitted frames in a single JSON file.
type FrameArchive struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
	now  func() time.Time
}

// NewFrameArchive returns an archive backed by path.
func NewFrameArchive(path string, log *zap.Logger) *FrameArchive {
	if path == "" {
		path = "data.json"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FrameArchive{path: path, log: log, now: time.Now}
}

// Path returns the archive file.
func (a *FrameArchive) Path() string { return a.path }

// Append adds messages to the archive and rewrites it atomically. A
// missing or unreadable archive starts over empty.
func (a *FrameArchive) Append(messages []json.RawMessage) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc, err := a.load()
	if err != nil {
		a.log.Warn("archive unreadable, starting fresh", zap.String("path", a.path), zap.Error(err))
		doc = ArchiveDocument{}
	}
	if doc.Messages == nil {
		doc.Messages = []json.RawMessage{}
	}
	doc.Messages = append(doc.Messages, messages...)
	doc.SavedAt = append(doc.SavedAt, a.now().Format("2006-01-02T15:04:05.000000"))

	if err := a.write(doc); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// Load returns the current archive contents.
func (a *FrameArchive) Load() (ArchiveDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load()
}

func (a *FrameArchive) load() (ArchiveDocument, error) {
	var doc ArchiveDocument
	b, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return ArchiveDocument{Messages: []json.RawMessage{}, SavedAt: []string{}}, nil
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return ArchiveDocument{}, fmt.Errorf("parse %s: %w", a.path, err)
	}
	return doc, nil
}

func (a *FrameArchive) write(doc ArchiveDocument) error {
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".archive-*.json")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return fmt.Errorf("replace %s: %w", a.path, err)
	}
	return nil
}
