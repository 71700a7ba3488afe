// Package state records which messages were already extracted so incremental
// runs skip them.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the name of the state file inside the state directory.
const FileName = "extracted.jsonl"

type Tracker interface {
	AlreadyProcessed(key string) bool
	MarkProcessed(key, messageID string) error
	// Forget drops every key match reports true for and returns how many
	// were dropped.
	Forget(match func(key string) bool) (int, error)
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

// Entry is what the tracker remembers about one extracted message.
type Entry struct {
	Key         string    `json:"key"`
	MessageID   string    `json:"message_id,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// entries is a concurrency-safe key set shared by both trackers.
type entries struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func (e *entries) has(key string) bool {
	if key == "" {
		return false
	}
	e.mu.RLock()
	_, ok := e.m[key]
	e.mu.RUnlock()
	return ok
}

// add reports false when key was already present.
func (e *entries) add(entry Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.m[entry.Key]; ok {
		return false
	}
	e.m[entry.Key] = entry
	return true
}

func (e *entries) forget(match func(string) bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key := range e.m {
		if match(key) {
			delete(e.m, key)
			n++
		}
	}
	return n
}

func (e *entries) len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.m)
}

func (e *entries) list() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Entry, 0, len(e.m))
	for _, entry := range e.m {
		out = append(out, entry)
	}
	return out
}

// MemoryTracker keeps keys for the lifetime of one process. It accepts any
// non-empty key.
type MemoryTracker struct {
	set entries
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{set: entries{m: make(map[string]Entry)}}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	return m.set.has(key)
}

func (m *MemoryTracker) MarkProcessed(key, messageID string) error {
	if key != "" {
		m.set.add(Entry{Key: key, MessageID: messageID})
	}
	return nil
}

func (m *MemoryTracker) Forget(match func(string) bool) (int, error) {
	return m.set.forget(match), nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	return Snapshot{Processed: m.set.len()}
}

// FileTracker persists entries as JSON Lines in <state-dir>/extracted.jsonl.
// Only well-formed IMAP and content keys are stored. Without persistence new
// keys live in memory only and the file is never touched.
type FileTracker struct {
	set     entries
	path    string
	persist bool
	now     func() time.Time

	writeMu sync.Mutex
	file    *os.File
	writer  *bufio.Writer
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	f := &FileTracker{
		set:     entries{m: make(map[string]Entry)},
		path:    filepath.Join(stateDir, FileName),
		persist: persist,
		now:     time.Now,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	if persist {
		if err := f.openAppend(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if err := ValidateKey(entry.Key); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		f.set.add(entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

func (f *FileTracker) openAppend() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open state file for append: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

func (f *FileTracker) AlreadyProcessed(key string) bool {
	return f.set.has(key)
}

// MarkProcessed rejects malformed keys with ErrInvalidKey. A key already
// present is not written again.
func (f *FileTracker) MarkProcessed(key, messageID string) error {
	if key == "" {
		return nil
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	entry := Entry{Key: key, MessageID: messageID, ExtractedAt: f.now().UTC()}
	if !f.set.add(entry) || !f.persist {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return writeEntry(f.writer, entry)
}

func writeEntry(w *bufio.Writer, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

// Forget drops matching keys. When persisting, the state file is rewritten
// without them through a temporary file and a rename.
func (f *FileTracker) Forget(match func(string) bool) (int, error) {
	n := f.set.forget(match)
	if n == 0 || !f.persist {
		return n, nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.closeFile(); err != nil {
		return n, err
	}
	if err := f.rewrite(); err != nil {
		return n, err
	}
	return n, f.openAppend()
}

func (f *FileTracker) rewrite() error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), FileName+".*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, entry := range f.set.list() {
		if err := writeEntry(w, entry); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileTracker) Snapshot() Snapshot {
	return Snapshot{Processed: f.set.len()}
}

// Flush writes buffered records and syncs the file.
func (f *FileTracker) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.writer == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.closeFile()
}

func (f *FileTracker) closeFile() error {
	if f.file == nil {
		return nil
	}

	var errs []error
	if err := f.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush state file: %w", err))
	}
	if err := f.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync state file: %w", err))
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state file: %w", err))
	}
	f.file, f.writer = nil, nil
	return errors.Join(errs...)
}
