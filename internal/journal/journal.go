// Package journal provides per-symbol append-only event logs in JSON Lines
// form, one file per symbol per day.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time   `json:"ts"`
	Level     string      `json:"level"`
	Symbol    string      `json:"symbol"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Journal owns one symbol's event log file. Safe for use by a single engine;
// the internal mutex only guards against a concurrent Close.
type Journal struct {
	symbol string
	dir    string

	mu   sync.Mutex
	file *os.File
	day  string
}

// Open creates (or reopens for append) today's journal file for a symbol
// under dir. The file name is <symbol>_<YYYY-MM-DD>.jsonl with path
// separators in the symbol flattened.
func Open(dir, symbol string) (*Journal, error) {
	j := &Journal{symbol: symbol, dir: dir}
	if err := j.rotate(time.Now()); err != nil {
		return nil, err
	}
	return j, nil
}

// Event appends one entry. The file rolls over at the UTC day boundary.
func (j *Journal) Event(level, eventType string, payload interface{}) error {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal for %s is closed", j.symbol)
	}
	if day := now.UTC().Format("2006-01-02"); day != j.day {
		if err := j.rotateLocked(now); err != nil {
			return err
		}
	}

	line, err := json.Marshal(Entry{
		Timestamp: now,
		Level:     level,
		Symbol:    j.symbol,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal %s: %w", j.symbol, err)
	}
	return nil
}

// Close flushes and closes the current file. Further Event calls fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Path returns the current journal file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ""
	}
	return j.file.Name()
}

func (j *Journal) rotate(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rotateLocked(now)
}

func (j *Journal) rotateLocked(now time.Time) error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir %s: %w", j.dir, err)
	}
	day := now.UTC().Format("2006-01-02")
	name := fmt.Sprintf("%s_%s.jsonl", sanitize(j.symbol), day)

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", name, err)
	}
	if j.file != nil {
		j.file.Close()
	}
	j.file = f
	j.day = day
	return nil
}

func sanitize(symbol string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(symbol)
}
