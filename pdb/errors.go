// Package pdb provides a unified view over the two PDB container flavors:
// MSF (the classical paged format) and MSFZ (the compressed variant). It
// sniffs the container flavor, routes stream reads to the right engine, and
// decodes the named-stream directory held in stream 1. Stream payloads are
// otherwise opaque to this package.
package pdb

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNotPDB indicates the file is not an MSF or MSFZ container.
	ErrNotPDB = errors.New("pdb: not a valid PDB file")

	// ErrNotSupported indicates an operation the container flavor cannot
	// perform, such as writing to an MSFZ file or opening a Portable PDB.
	ErrNotSupported = errors.New("pdb: operation not supported for this container")

	// ErrInvalidStream indicates a corrupted or invalid stream.
	ErrInvalidStream = errors.New("pdb: invalid stream")

	// ErrFileClosed indicates the PDB file has been closed.
	ErrFileClosed = errors.New("pdb: file is closed")
)

// ParseError provides detailed information about parsing failures.
type ParseError struct {
	Stream  string // Stream name where error occurred
	Offset  int64  // Byte offset within stream
	Message string // Description of the error
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pdb: parse error in %s at offset 0x%x: %s: %v",
			e.Stream, e.Offset, e.Message, e.Err)
	}
	return fmt.Sprintf("pdb: parse error in %s at offset 0x%x: %s",
		e.Stream, e.Offset, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }
