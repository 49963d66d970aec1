// Package shapelog stores the per-generation append-only event logs:
// offset-indexed change events, per-log head and trim markers, the
// consumer's feed cursor, and the generation records that let shapes
// survive a process restart.
package shapelog

import (
	"fmt"

	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
)

// Default number of events one ReadAfter call returns when the caller
// passes no limit
const defaultReadLimit = 1024

// Notifier receives one wakeup per append batch with the new head.
// The long-poll dispatcher implements it; a nil notifier is valid.
type Notifier interface {
	Notify(shapeID string, head offset.Offset)
}

// ReadResult is one catch-up read. UpToDate reports that the read
// reached head with nothing more buffered; a false value means the
// limit truncated the batch and the caller should read again.
type ReadResult struct {
	Events   []shape.Event
	Head     offset.Offset
	UpToDate bool
}

// GenerationRecord is the durable binding of a shape id to the request
// parameters it was created from. The lifecycle manager re-resolves
// the definition from these at boot. Watermark is the feed sequence
// already folded into the snapshot; ops at or below it must not be
// applied again after a restart.
type GenerationRecord struct {
	ShapeID   string `msgpack:"id"`
	Schema    string `msgpack:"s"`
	Table     string `msgpack:"t"`
	Where     string `msgpack:"w"`
	Watermark int64  `msgpack:"m"`
}

// Store is the shape log contract. One writer (the replication
// consumer) appends; many concurrent readers catch up. Appends become
// visible to readers only after they are durable, and each append
// batch produces exactly one notification.
type Store interface {
	// AppendInitial writes a generation's snapshot batch. Every event
	// must sit at offset First; the log must not exist yet. An empty
	// batch is legal and leaves head at First.
	AppendInitial(shapeID string, events []shape.Event) error

	// Append extends an existing log. Offsets must strictly increase
	// within the batch and the first must be strictly after head.
	Append(shapeID string, events []shape.Event) error

	// ReadAfter returns events with offset > from, oldest first, up to
	// limit (<=0 selects the default). A from that predates retained
	// history fails with *RetentionError; a missing log fails with
	// *MissingLogError.
	ReadAfter(shapeID string, from offset.Offset, limit int) (*ReadResult, error)

	// Head reports the last appended offset. ok is false when the log
	// does not exist.
	Head(shapeID string) (head offset.Offset, ok bool, err error)

	// Shapes lists the ids of all logs in the store, sorted. Boot
	// recovery uses it to find logs with no generation record.
	Shapes() ([]string, error)

	// Drop removes a log and its markers.
	Drop(shapeID string) error

	// Compact removes the prefix of events at offsets <= keepAfter and
	// raises the trim marker. Callers clamp keepAfter below any
	// registered waiter's position before calling.
	Compact(shapeID string, keepAfter offset.Offset) error

	// RetentionCut returns the offset to pass to Compact so the log
	// retains its newest keep events. ok is false when the log already
	// holds keep or fewer events, or keep is not positive. Snapshot
	// rows share one offset, so a cut landing inside the snapshot
	// batch trims the whole batch.
	RetentionCut(shapeID string, keep int) (cut offset.Offset, ok bool, err error)

	// Cursor and AdvanceCursor persist the upstream feed position the
	// consumer resumes from.
	Cursor() (int64, error)
	AdvanceCursor(seq int64) error

	// SaveGeneration, Generations and DeleteGeneration persist shape
	// id bindings across restarts.
	SaveGeneration(rec GenerationRecord) error
	Generations() ([]GenerationRecord, error)
	DeleteGeneration(shapeID string) error

	Close() error
}

// RetentionError signals a catch-up request from before retained
// history. The only remedy is a fresh snapshot.
type RetentionError struct {
	ShapeID   string
	Requested offset.Offset
	Oldest    offset.Offset
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("offset %s predates retained history of shape %s (oldest %s)",
		e.Requested, e.ShapeID, e.Oldest)
}

// MissingLogError signals a read or append against a log that does not
// exist, usually because its generation was invalidated and dropped.
type MissingLogError struct {
	ShapeID string
}

func (e *MissingLogError) Error() string {
	return fmt.Sprintf("no log for shape %s", e.ShapeID)
}

// OrderError signals an append that does not strictly advance the log.
type OrderError struct {
	ShapeID string
	Offset  offset.Offset
	Head    offset.Offset
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("offset %s does not advance shape %s past head %s",
		e.Offset, e.ShapeID, e.Head)
}

// validateAppend checks batch ordering against the current head.
func validateAppend(shapeID string, head offset.Offset, events []shape.Event) error {
	prev := head
	for _, ev := range events {
		if !ev.Offset.After(prev) {
			return &OrderError{ShapeID: shapeID, Offset: ev.Offset, Head: prev}
		}
		prev = ev.Offset
	}
	return nil
}

// validateInitial checks that a snapshot batch sits entirely at First.
func validateInitial(shapeID string, events []shape.Event) error {
	for _, ev := range events {
		if !ev.Offset.Equal(offset.First) {
			return fmt.Errorf("snapshot row for shape %s carries offset %s, want %s",
				shapeID, ev.Offset, offset.First)
		}
	}
	return nil
}
