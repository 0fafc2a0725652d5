// Package wal is an append-only JSON-lines journal of binding transitions
// and reap outcomes.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryBindPending EntryType = "bind_pending"
	EntryBound       EntryType = "bound"
	EntryBindFailed  EntryType = "bind_failed"
	EntryReaping     EntryType = "reaping"
	EntryReaped      EntryType = "reaped"
	EntryReapFailed  EntryType = "reap_failed"
	EntryReapSkipped EntryType = "reap_skipped"
)

const filePattern = "overwatch-*.wal"

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Key       string          `json:"key,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Journal is what components write to. *WAL implements it.
type Journal interface {
	Append(entryType EntryType, key string, data any) error
	AppendError(entryType EntryType, key string, data any, errToLog error) error
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Append(EntryType, string, any) error             { return nil }
func (Nop) AppendError(EntryType, string, any, error) error { return nil }

// WAL writes entries to a file in dir, one JSON object per line.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	now      func() time.Time
}

// Option configures a WAL.
type Option func(*WAL)

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *WAL) { w.now = now }
}

// Open creates or opens a WAL in the specified directory
func Open(dir string, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	w := &WAL{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}

	// One file per process start; names sort chronologically.
	filename := fmt.Sprintf("overwatch-%s.wal", w.now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	if err := w.loadSequence(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

// Close flushes and closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the WAL
func (w *WAL) Append(entryType EntryType, key string, data any) error {
	return w.append(entryType, key, data, "")
}

// AppendError adds an entry that records a failure
func (w *WAL) AppendError(entryType EntryType, key string, data any, errToLog error) error {
	msg := ""
	if errToLog != nil {
		msg = errToLog.Error()
	}
	return w.append(entryType, key, data, msg)
}

func (w *WAL) append(entryType EntryType, key string, data any, errMsg string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal wal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	return w.writeEntry(Entry{
		Timestamp: w.now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		Key:       key,
		Data:      jsonData,
		Error:     errMsg,
	})
}

// writeEntry writes a single entry and syncs it to disk
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal wal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	return w.file.Sync()
}

// loadSequence continues numbering after the highest sequence already on disk.
func (w *WAL) loadSequence() error {
	return Replay(w.dir, time.Time{}, func(e *Entry) error {
		if e.Sequence > w.sequence {
			w.sequence = e.Sequence
		}
		return nil
	})
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal wal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("list wal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Replay calls handler for every entry newer than since, in file order.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
