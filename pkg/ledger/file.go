package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends entries as JSON lines to a local file. It stands in
// for the external audit ledger service in single-node deployments.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens or creates the target file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Append(entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadFile loads all entries from a JSONL ledger file.
func ReadFile(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
