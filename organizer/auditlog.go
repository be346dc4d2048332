package organizer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Audit event names. Every entry in the audit log carries one of these plus
// a key-value payload.
const (
	EventFileDiscovered    = "FILE_DISCOVERED"
	EventFileQuarantined   = "FILE_QUARANTINED"
	EventQuarantineFailed  = "QUARANTINE_FAILED"
	EventProcessingAttempt = "PROCESSING_ATTEMPT"
	EventFileSuccess       = "FILE_PROCESSED_SUCCESS"
	EventFileDuplicate     = "FILE_DUPLICATE"
	EventFileDeadLetter    = "FILE_DEAD_LETTER"
	EventReconciliation    = "RECONCILIATION_COMPLETED"
	EventSystemStarted     = "SYSTEM_STARTED"
	EventSystemStopped     = "SYSTEM_STOPPED"
	EventSystemError       = "SYSTEM_ERROR"
)

// Sink records audit events. Implementations must never propagate failures
// to the processing path: a failed audit write is logged operationally and
// swallowed.
type Sink interface {
	Emit(event string, args ...any)
}

// FileSink appends one self-describing JSON event per line to a log file.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	log *slog.Logger
}

// NewFileSink opens (or creates) the audit log at path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &FileSink{
		f:   f,
		log: slog.New(slog.NewJSONHandler(f, nil)),
	}, nil
}

// Emit writes the event line. Write failures are absorbed by the handler;
// Emit never fails.
func (s *FileSink) Emit(event string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info(event, append([]any{"event", event}, args...)...)
}

// Close syncs and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// NopSink discards events. Used in tests and as a fallback when the audit
// log cannot be opened — the pipeline must keep running either way.
type NopSink struct{}

func (NopSink) Emit(string, ...any) {}
