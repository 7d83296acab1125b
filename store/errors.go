package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionNotFound is returned when no connection is registered under a name.
	ErrConnectionNotFound = errors.New("doctable: connection not found")

	// ErrDuplicateConnection is returned when Init is given a name that is already registered.
	ErrDuplicateConnection = errors.New("doctable: connection already registered")

	// ErrMissingAuthSource is returned when a connection config does not select a database.
	ErrMissingAuthSource = errors.New("doctable: connection config has no auth source")

	// ErrUnknownDriver is returned when a connection config names a driver nobody provides.
	ErrUnknownDriver = errors.New("doctable: unknown driver")

	// ErrNoTableName is returned when a table accessor is built without a table name.
	ErrNoTableName = errors.New("doctable: table name is required")

	// ErrTableExists is wrapped by backends when creating a table that already exists.
	ErrTableExists = errors.New("doctable: table already exists")

	// ErrTableDropped is returned by data operations on a table accessor after Drop.
	ErrTableDropped = errors.New("doctable: table was dropped")

	// ErrMissingUniqueField is returned when an entry has no value for the unique field.
	ErrMissingUniqueField = errors.New("doctable: entry has no value for unique field")

	// ErrNotFound is returned when no document matches a filter.
	ErrNotFound = errors.New("doctable: document not found")

	// ErrUnsupported is returned by backends for operations the underlying store cannot perform.
	ErrUnsupported = errors.New("doctable: operation not supported by backend")
)

// WriteError is a store-level rejection of a single write request,
// such as a schema validation failure or a unique index violation.
type WriteError struct {
	// Index is the position of the rejected request within the submitted batch.
	// Always 0 for single-document writes.
	Index int

	// Code is the store's error code, 0 when the store has none.
	Code int

	// Message is the store's description of the rejection.
	Message string
}

func (e *WriteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("doctable: write rejected (code %d): %s", e.Code, e.Message)
	}
	return "doctable: write rejected: " + e.Message
}

// BulkWriteError reports the isolated per-request failures of one bulk submission.
// Backends return it only when every failure is tied to a request index;
// any other failure is returned as-is.
type BulkWriteError struct {
	WriteErrors []WriteError

	// Result summarizes what the store applied before stopping, if known.
	Result BulkResult
}

func (e *BulkWriteError) Error() string {
	msgs := make([]string, 0, len(e.WriteErrors))
	for _, we := range e.WriteErrors {
		msgs = append(msgs, fmt.Sprintf("[%d] %s", we.Index, we.Message))
	}
	return fmt.Sprintf("doctable: %d write(s) rejected: %s", len(e.WriteErrors), strings.Join(msgs, "; "))
}

// Indices returns the batch positions of the rejected requests.
func (e *BulkWriteError) Indices() []int {
	out := make([]int, 0, len(e.WriteErrors))
	for _, we := range e.WriteErrors {
		out = append(out, we.Index)
	}
	return out
}
