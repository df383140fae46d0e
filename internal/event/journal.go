package event

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"drover/internal/logging"
)

// Journal appends events as newline-delimited JSON to a file. It is the
// canonical feed for external subscribers and can be replayed to rebuild
// derived state.
type Journal struct {
	path   string
	logger logging.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// OpenJournal opens (creating if needed) the journal file in append mode.
func OpenJournal(path string, logger logging.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{
		path:   path,
		logger: logging.OrNop(logger),
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append writes one event as a JSON line and flushes it.
func (j *Journal) Append(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("append to journal: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("append to journal: %w", err)
	}
	return j.writer.Flush()
}

// Handler adapts the journal to a bus subscription. Write failures are
// logged, not propagated, so a full disk cannot break dispatch.
func (j *Journal) Handler() Handler {
	return func(_ context.Context, e Event) error {
		if err := j.Append(e); err != nil {
			j.logger.Error("journal append failed: %v", err)
		}
		return nil
	}
}

// Attach subscribes the journal to every event on the bus and returns the
// subscription id.
func (j *Journal) Attach(bus *Bus) string {
	return bus.Subscribe(j.Handler(), nil)
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
