// Package organizer ingests fiscal XML documents (NF-e / NFC-e) from an
// inbox directory into a hierarchical archive keyed by issuer, document kind
// and emission date, recording authoritative metadata in an SQLite catalog.
//
// Every file travels through a staged state machine: quarantine, parse,
// catalog insert, file move. Failed stages retry with exponential backoff;
// exhausted files land in a dead-letter directory. A periodic reconciler
// recovers files and catalog rows stranded in intermediate states.
package organizer

import (
	"errors"
	"io/fs"
	"syscall"
)

// Status is the processing state of a file in the pipeline.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusQuarantined Status = "QUARANTINED"
	StatusProcessing  Status = "PROCESSING"
	StatusParsed      Status = "PARSED"
	StatusDBInserted  Status = "DB_INSERTED"
	StatusFileMoved   Status = "FILE_MOVED"

	StatusSuccess         Status = "SUCCESS"
	StatusDuplicate       Status = "DUPLICATE"
	StatusFailedPermanent Status = "FAILED_PERMANENT"

	StatusFailedParsing Status = "FAILED_PARSING"
	StatusFailedDB      Status = "FAILED_DB"
	StatusFailedMove    Status = "FAILED_MOVE"
)

// Terminal reports whether the status ends a file's journey.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusDuplicate, StatusFailedPermanent:
		return true
	}
	return false
}

// IntermediateStatuses are the states a crashed or stuck file can be left in.
// The reconciler sweeps audits in these states.
func IntermediateStatuses() []Status {
	return []Status{
		StatusPending,
		StatusQuarantined,
		StatusProcessing,
		StatusParsed,
		StatusDBInserted,
	}
}

// ErrorKind classifies a failure for audit and retry policy purposes.
type ErrorKind string

const (
	ErrKindXMLParse       ErrorKind = "XML_PARSE_ERROR"
	ErrKindXMLStructure   ErrorKind = "XML_INVALID_STRUCTURE"
	ErrKindDBConnection   ErrorKind = "DB_CONNECTION_ERROR"
	ErrKindDBIntegrity    ErrorKind = "DB_INTEGRITY_ERROR"
	ErrKindFileNotFound   ErrorKind = "FILE_NOT_FOUND"
	ErrKindFilePermission ErrorKind = "FILE_PERMISSION_ERROR"
	ErrKindNetwork        ErrorKind = "NETWORK_ERROR"
	ErrKindUnknown        ErrorKind = "UNKNOWN_ERROR"
)

// PipelineError is a classified failure from one stage of an attempt.
// Stage carries the transient failure status the attempt lands in
// (FAILED_PARSING, FAILED_DB or FAILED_MOVE).
type PipelineError struct {
	Kind  ErrorKind
	Stage Status
	Op    string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// stageErr wraps err as a PipelineError for the given stage, classifying the
// kind from the underlying error unless one is forced by the caller.
func stageErr(stage Status, op string, kind ErrorKind, err error) *PipelineError {
	if kind == "" {
		kind = Classify(err)
	}
	return &PipelineError{Kind: kind, Stage: stage, Op: op, Err: err}
}

// Classify maps an arbitrary error onto the closed ErrorKind taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrKindFileNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrKindFilePermission
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.ENETDOWN, syscall.ENETUNREACH, syscall.ECONNRESET,
			syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.EHOSTDOWN, syscall.EHOSTUNREACH:
			return ErrKindNetwork
		case syscall.EACCES, syscall.EPERM, syscall.EROFS:
			return ErrKindFilePermission
		case syscall.ENOENT:
			return ErrKindFileNotFound
		}
	}
	return ErrKindUnknown
}
