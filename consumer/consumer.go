// Package consumer folds committed upstream transactions into the logs
// of every shape generation they touch.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/feed"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/telemetry"
)

const (
	// Default initial delay before a failed feed stream is reopened
	DefaultRestartInitial = 100 * time.Millisecond
	// Default cap on the restart backoff
	DefaultRestartMax = 30 * time.Second
)

// ShapeRouter is the slice of the lifecycle manager the consumer needs:
// routing, the apply gate, and table invalidation.
type ShapeRouter interface {
	ActiveForTable(schema, table string) []*lifecycle.Generation
	InvalidateTable(schema, table string) int
	BeginApply()
	EndApply()
}

var _ ShapeRouter = (*lifecycle.Manager)(nil)

// Config wires a Consumer. Source, Store and Shapes are required;
// Router is optional and only short-circuits ops for unwatched
// relations.
type Config struct {
	Source feed.Source
	Store  shapelog.Store
	Shapes ShapeRouter
	Router *Router

	RestartInitial time.Duration
	RestartMax     time.Duration
}

// Consumer pulls transactions off the feed and appends the matching
// events to each affected shape log, exactly once per log. Delivery is
// at least once end to end: the cursor advances only after every
// append landed, and redelivered batches are rejected by the per-log
// head check.
type Consumer struct {
	source feed.Source
	store  shapelog.Store
	shapes ShapeRouter
	routes *Router

	restartInitial time.Duration
	restartMax     time.Duration

	cursor  int64
	applied bool
}

func New(conf Config) (*Consumer, error) {
	if conf.Source == nil {
		return nil, fmt.Errorf("feed source is required")
	}
	if conf.Store == nil {
		return nil, fmt.Errorf("shape log store is required")
	}
	if conf.Shapes == nil {
		return nil, fmt.Errorf("shape router is required")
	}
	if conf.RestartInitial <= 0 {
		conf.RestartInitial = DefaultRestartInitial
	}
	if conf.RestartMax <= 0 {
		conf.RestartMax = DefaultRestartMax
	}

	cursor, err := conf.Store.Cursor()
	if err != nil {
		return nil, fmt.Errorf("failed to load feed cursor: %w", err)
	}

	return &Consumer{
		source:         conf.Source,
		store:          conf.Store,
		shapes:         conf.Shapes,
		routes:         conf.Router,
		restartInitial: conf.RestartInitial,
		restartMax:     conf.RestartMax,
		cursor:         cursor,
	}, nil
}

// Cursor returns the highest fully applied feed position.
func (c *Consumer) Cursor() int64 {
	return c.cursor
}

// Run consumes the feed until ctx ends. Stream failures reopen it with
// exponential backoff; the delay resets once a transaction lands.
func (c *Consumer) Run(ctx context.Context) error {
	delay := c.restartInitial
	for {
		c.applied = false
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if c.applied {
			delay = c.restartInitial
		}
		telemetry.FeedRestartsTotal.Inc()
		log.Error().Err(err).Dur("backoff", delay).Msg("Feed stream failed, restarting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.restartMax {
			delay = c.restartMax
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		txn, err := c.source.Next(ctx)
		if err != nil {
			return err
		}
		if err := c.apply(ctx, txn); err != nil {
			return err
		}
	}
}

func (c *Consumer) apply(ctx context.Context, txn *feed.Transaction) error {
	if txn.Seq <= c.cursor {
		log.Debug().Int64("seq", txn.Seq).Int64("cursor", c.cursor).
			Msg("Skipping already applied transaction")
		return c.ack(ctx, txn)
	}

	if err := c.fold(txn); err != nil {
		return err
	}

	if err := c.store.AdvanceCursor(txn.Seq); err != nil {
		return fmt.Errorf("failed to advance feed cursor: %w", err)
	}
	c.cursor = txn.Seq
	c.applied = true
	telemetry.FeedTransactionsTotal.Inc()
	return c.ack(ctx, txn)
}

// fold renders txn into per-generation batches and appends them under
// the apply gate, so a snapshot priming concurrently cannot lose ops
// committed after its read began.
func (c *Consumer) fold(txn *feed.Transaction) error {
	c.shapes.BeginApply()
	defer c.shapes.EndApply()

	for gen, events := range c.route(txn) {
		err := c.store.Append(gen.ID, events)
		switch {
		case err == nil:
			telemetry.LogAppendsTotal.Inc()
			telemetry.LogEventsTotal.Add(float64(len(events)))
		case errors.As(err, new(*shapelog.OrderError)):
			// Redelivered ops render byte-identical batches, so an
			// append that does not advance the log already happened.
			log.Debug().Str("shape_id", gen.ID).Int64("seq", txn.Seq).
				Msg("Skipping batch already in shape log")
		case errors.As(err, new(*shapelog.MissingLogError)):
			// Generation retired while the batch was being built
		default:
			return fmt.Errorf("failed to append to shape %s: %w", gen.ID, err)
		}
	}
	return nil
}

// route maps every op onto the generations watching its relation.
// Event offsets depend only on the transaction position and the op's
// index, so a redelivery reproduces them exactly.
func (c *Consumer) route(txn *feed.Transaction) map[*lifecycle.Generation][]shape.Event {
	var batches map[*lifecycle.Generation][]shape.Event
	for i, op := range txn.Ops {
		if c.routes != nil && !c.routes.Check(lifecycle.RelationKey(op.Schema, op.Table)) {
			continue
		}
		gens := c.shapes.ActiveForTable(op.Schema, op.Table)
		if len(gens) == 0 {
			continue
		}

		pos := uint32(2*i + 1)
		for _, gen := range gens {
			if op.Seq <= gen.Watermark {
				// Already part of the generation's snapshot
				continue
			}
			events, err := renderOp(gen.Def, op, txn.Seq, pos)
			if err != nil {
				log.Warn().Err(err).
					Str("table", op.Table).
					Str("schema", op.Schema).
					Msg("Row key no longer derivable, invalidating table shapes")
				c.shapes.InvalidateTable(op.Schema, op.Table)
				break
			}
			if len(events) == 0 {
				continue
			}
			if batches == nil {
				batches = make(map[*lifecycle.Generation][]shape.Event)
			}
			batches[gen] = append(batches[gen], events...)
		}
	}
	return batches
}

// renderOp maps one row change onto a shape's events. Updates against
// a filtered shape become inserts when the row enters it and deletes
// when it leaves; a key change splits into delete plus insert.
func renderOp(def *shape.Definition, op feed.Op, tx int64, pos uint32) ([]shape.Event, error) {
	at := offset.Offset{Tx: tx, Op: pos}

	switch op.Action {
	case shape.ActionInsert:
		if op.New == nil || !def.MatchRow(op.New) {
			return nil, nil
		}
		key, err := def.RowKey(op.New)
		if err != nil {
			return nil, err
		}
		return []shape.Event{{Offset: at, Action: shape.ActionInsert, Key: key, Value: op.New}}, nil

	case shape.ActionDelete:
		if op.Old == nil || !def.MatchRow(op.Old) {
			return nil, nil
		}
		key, err := def.RowKey(op.Old)
		if err != nil {
			return nil, err
		}
		return []shape.Event{{Offset: at, Action: shape.ActionDelete, Key: key, Value: op.Old}}, nil

	case shape.ActionUpdate:
		inOld := op.Old != nil && def.MatchRow(op.Old)
		inNew := op.New != nil && def.MatchRow(op.New)
		switch {
		case inOld && inNew:
			oldKey, err := def.RowKey(op.Old)
			if err != nil {
				return nil, err
			}
			newKey, err := def.RowKey(op.New)
			if err != nil {
				return nil, err
			}
			if oldKey != newKey {
				return []shape.Event{
					{Offset: at, Action: shape.ActionDelete, Key: oldKey, Value: op.Old},
					{Offset: offset.Offset{Tx: tx, Op: pos + 1}, Action: shape.ActionInsert, Key: newKey, Value: op.New},
				}, nil
			}
			return []shape.Event{{Offset: at, Action: shape.ActionUpdate, Key: newKey, Value: op.New}}, nil
		case inNew:
			key, err := def.RowKey(op.New)
			if err != nil {
				return nil, err
			}
			return []shape.Event{{Offset: at, Action: shape.ActionInsert, Key: key, Value: op.New}}, nil
		case inOld:
			key, err := def.RowKey(op.Old)
			if err != nil {
				return nil, err
			}
			return []shape.Event{{Offset: at, Action: shape.ActionDelete, Key: key, Value: op.Old}}, nil
		}
	}
	return nil, nil
}

// ack confirms the applied position with the transport. Broker sources
// get their offset committed; trimmable sources shed applied history.
func (c *Consumer) ack(ctx context.Context, txn *feed.Transaction) error {
	if com, ok := c.source.(feed.Committer); ok {
		if err := com.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit feed position: %w", err)
		}
	}
	if tr, ok := c.source.(feed.Trimmer); ok {
		if err := tr.Trim(ctx, txn.Seq); err != nil {
			log.Warn().Err(err).Int64("seq", txn.Seq).Msg("Failed to trim applied feed history")
		}
	}
	return nil
}
