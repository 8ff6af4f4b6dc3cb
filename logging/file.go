package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// EventLog is an append-only log of gateway lifecycle events: PLC
// connects and disconnects, broker state and write requests.
// It is safe for concurrent use.
type EventLog struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewEventLog opens path for appending, creating it if needed.
func NewEventLog(path string) (*EventLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &EventLog{file: file}, nil
}

// Log writes a timestamped line.
func (l *EventLog) Log(format string, args ...interface{}) {
	l.write("", fmt.Sprintf(format, args...))
}

// Event writes a timestamped line tagged with its source, e.g. a PLC name.
func (l *EventLog) Event(source, format string, args ...interface{}) {
	l.write(source, fmt.Sprintf(format, args...))
}

func (l *EventLog) write(source, msg string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	if source == "" {
		fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
		return
	}
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, source, msg)
}

// Close closes the log file. Further writes are dropped.
func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
