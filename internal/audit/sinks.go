package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/codereview/internal/hooks"
)

// LogSink writes audit entries to a structured logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink on logger. A nil logger gets a default one.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.New().WithComponent("audit")
	}
	return &LogSink{logger: logger}
}

// Record implements hooks.AuditSink.
func (s *LogSink) Record(_ context.Context, e hooks.AuditEntry) error {
	fields := map[string]interface{}{
		"time": e.Time.Format(time.RFC3339Nano),
		"tool": e.ToolName,
	}
	if e.SessionID != "" {
		fields["session"] = e.SessionID
	}
	if e.InvocationID != "" {
		fields["tool_use_id"] = e.InvocationID
	}
	s.logger.Info("[AUDIT] "+e.ToolName, fields)
	return nil
}

// FileSink appends audit entries to a JSONL file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenFileSink opens path for appending, creating parent directories.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Record implements hooks.AuditSink.
func (s *FileSink) Record(_ context.Context, e hooks.AuditEntry) error {
	e.Input = Redact(e.Input)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Flush implements hooks.Flusher.
func (s *FileSink) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ferr := s.w.Flush()
	return errors.Join(ferr, s.f.Close())
}

// Memory keeps entries in memory. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries []hooks.AuditEntry
}

// Record implements hooks.AuditSink.
func (m *Memory) Record(_ context.Context, e hooks.AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of recorded entries.
func (m *Memory) Entries() []hooks.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hooks.AuditEntry(nil), m.entries...)
}

// Tee fans every entry out to several sinks.
type Tee []hooks.AuditSink

// Record implements hooks.AuditSink. All sinks are attempted.
func (t Tee) Record(ctx context.Context, e hooks.AuditEntry) error {
	var errs []error
	for _, s := range t {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush implements hooks.Flusher for the sinks that support it.
func (t Tee) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range t {
		if f, ok := s.(hooks.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
