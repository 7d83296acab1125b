package store

import "time"

// BulkEvent describes one completed UpsertMany or InsertMany call.
type BulkEvent struct {
	Table string
	Kind  WriteKind

	// Requests is the number of entries submitted by the caller.
	Requests int

	// Dropped is the number of requests rejected and removed.
	Dropped int

	// Waves is the number of submissions made, including the final one.
	Waves int

	Duration time.Duration

	// Err is the error that aborted the call, nil on success.
	Err error
}

// Observer receives bulk write events. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveBulk(ev BulkEvent)
}

type nopObserver struct{}

func (nopObserver) ObserveBulk(BulkEvent) {}
