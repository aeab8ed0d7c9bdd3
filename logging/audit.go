// Package logging provides the shipped-payload audit trail: a JSON-lines
// record of every lifecycle event relayed to the backend. The trail is
// write-only; nothing reads it back as state.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one relayed lifecycle event
type AuditEvent struct {
	Time          time.Time `json:"time"`
	Event         string    `json:"event"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	LaunchID      string    `json:"launch_id,omitempty"`
	Identifier    string    `json:"identifier,omitempty"`
	ItemID        string    `json:"item_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// AuditLog appends events to a file without blocking the reporting path
type AuditLog struct {
	writer *AsyncFile
}

// NewAuditLog creates the audit file at path, creating parent directories as
// needed
func NewAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	return &AuditLog{writer: writer}, nil
}

// Record appends one event. Events recorded after Close are dropped.
func (a *AuditLog) Record(event AuditEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding audit event: %v\n", err)
		return
	}
	_ = a.writer.Write(append(data, '\n'))
}

// Close flushes pending events and closes the file
func (a *AuditLog) Close() error {
	return a.writer.Close()
}

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(filepath string) (*AsyncFile, error) {
	file, err := os.Create(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", filepath, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	// Start the background writer
	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	// Make a copy of the data to avoid race conditions
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	// Send data to the queue
	af.queue <- dataCopy
	return nil
}

// processQueue processes the write queue in the background
func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		_, err := af.file.Write(data)
		if err != nil {
			// Log the error but continue processing
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	// Wait for all writes to complete
	af.wg.Wait()
	return af.file.Close()
}
