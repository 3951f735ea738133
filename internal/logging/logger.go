package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DeliveryLog represents a single delivery attempt log entry.
type DeliveryLog struct {
	Timestamp   time.Time `json:"timestamp"`
	RecipientID string    `json:"recipient_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	SpanID      string    `json:"span_id,omitempty"`
	Kind        string    `json:"kind"`
	WorkerID    string    `json:"worker_id,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	DLQ         bool      `json:"dlq,omitempty"`
}

// Logger handles delivery attempt logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a delivery log entry.
func (l *Logger) Log(entry *DeliveryLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		dlq := ""
		if entry.DLQ {
			dlq = " [dlq]"
		}
		retry := ""
		if entry.RetryCount > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.RetryCount)
		}
		fmt.Printf("[delivery] %s %s %s %dms%s%s\n",
			status, entry.RecipientID, entry.Kind, entry.DurationMs, retry, dlq)
		if entry.Error != "" {
			fmt.Printf("[delivery]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
