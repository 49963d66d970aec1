// Package feed delivers committed upstream transactions to the change
// consumer, from the changelog table or an external broker.
package feed

import (
	"context"

	"github.com/maxpert/shapesync/shape"
)

// Op is one row change inside an upstream transaction. Seq is the op's
// position in the upstream changelog and strictly increases across the
// whole stream, so per-shape offsets derived from it stay ordered.
type Op struct {
	Seq    int64        `msgpack:"seq"`
	Schema string       `msgpack:"db"`
	Table  string       `msgpack:"tbl"`
	Action shape.Action `msgpack:"op"`
	Old    shape.Row    `msgpack:"before"`
	New    shape.Row    `msgpack:"after"`
}

// Transaction groups the ops that became visible atomically. Seq is the
// position of the last op; once the transaction is fully applied it
// becomes the feed cursor.
type Transaction struct {
	Seq      int64 `msgpack:"seq"`
	CommitTS int64 `msgpack:"ts"`
	Ops      []Op  `msgpack:"ops"`
}

// Source delivers upstream transactions in commit order.
type Source interface {
	// Next blocks until a transaction is available or ctx ends.
	Next(ctx context.Context) (*Transaction, error)
	Close() error
}

// Committer is implemented by sources whose delivery position lives in
// the transport (broker acks). The consumer commits only after the
// transaction is durably applied, so a crash in between redelivers
// instead of losing it; per-shape head checks absorb the redelivery.
type Committer interface {
	Commit(ctx context.Context) error
}

// Trimmer is implemented by sources that can discard upstream history
// at or below an applied position.
type Trimmer interface {
	Trim(ctx context.Context, upTo int64) error
}
