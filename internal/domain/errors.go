// Package domain holds the error taxonomy shared by every import stage.
//
// Each error type carries enough context (table, file, chunk index) to locate
// the failing data from a run log line. Callers classify with errors.As.
package domain

import (
	"errors"
	"fmt"
)

// ErrTableMissing is returned when append-only mode finds no destination table.
var ErrTableMissing = errors.New("destination table does not exist")

// NotFoundError indicates that a requested resource does not exist.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// ConnectionError is returned when the database cannot be reached.
// It is fatal at job start and recoverable between files.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DiscoveryError is returned when the source directory cannot be listed.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CoercionError reports a chunk that could not be coerced.
type CoercionError struct {
	File  string
	Chunk int
	Line  int
	Err   error
}

func (e *CoercionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("coerce %s chunk=%d line=%d: %v", e.File, e.Chunk, e.Line, e.Err)
	}
	return fmt.Sprintf("coerce %s chunk=%d: %v", e.File, e.Chunk, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// TableCreationError is fatal for the current file.
type TableCreationError struct {
	Table string
	Err   error
}

func (e *TableCreationError) Error() string {
	return fmt.Sprintf("create table %s: %v", e.Table, e.Err)
}

func (e *TableCreationError) Unwrap() error { return e.Err }

// WriteError reports a failed chunk write. The chunk is skipped.
type WriteError struct {
	File  string
	Chunk int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s chunk=%d: %v", e.File, e.Chunk, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DedupReadError reports a failed existing-key read. The chunk write is
// skipped rather than risking duplicate insertion.
type DedupReadError struct {
	Table  string
	Column string
	Err    error
}

func (e *DedupReadError) Error() string {
	return fmt.Sprintf("read keys %s.%s: %v", e.Table, e.Column, e.Err)
}

func (e *DedupReadError) Unwrap() error { return e.Err }
