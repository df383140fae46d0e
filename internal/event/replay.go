package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReplayFunc receives journal events in append order. Returning an error
// stops the replay.
type ReplayFunc func(e Event) error

// Replay reads a journal file and invokes fn for every event, in order.
// Blank lines are skipped; a malformed line aborts with its line number so
// truncation is detectable.
func Replay(path string, fn ReplayFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("journal %s line %d: %w", path, lineNo, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal %s: %w", path, err)
	}
	return nil
}
