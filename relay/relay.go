// Package relay republishes committed upstream transactions onto a
// broker, so shapesync nodes without local change capture can consume
// the same feed through their nats or kafka sources. The relay is the
// sole changelog reader on its node: it prunes captured rows once they
// are durably published, which does not mix with a local changelog
// consumer on the same database.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/encoding"
	"github.com/maxpert/shapesync/feed"
	"github.com/maxpert/shapesync/telemetry"
	"github.com/maxpert/shapesync/upstream"
)

const (
	cursorTable = "_shapesync_relay"

	DefaultRetryInitial = 100 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
)

// Sink is a broker producer. Publish must not return until the payload
// is durably accepted.
type Sink interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// OpenSink builds the producer matching the feed source the serving
// nodes consume from.
func OpenSink(conf *cfg.FeedConfiguration) (Sink, error) {
	switch conf.Source {
	case cfg.FeedNATS:
		return NewNatsSink(conf)
	case cfg.FeedKafka:
		return NewKafkaSink(conf)
	default:
		return nil, fmt.Errorf("no relay sink for feed source %q", conf.Source)
	}
}

// Config wires a relay to its upstream and destination.
type Config struct {
	DB        *upstream.DB
	Changelog *upstream.Changelog
	Sink      Sink

	// Name keys the persisted cursor and doubles as the partition key.
	// Transactions carry one total order, so every message ships under
	// the same key and lands on one partition.
	Name string

	Schema       string
	PollInterval time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Relay pumps the changelog into the sink: publish, persist cursor,
// prune. A transaction is pruned only after its cursor write, so a
// crash between the two replays it; consumers drop replays by seq.
type Relay struct {
	db        *upstream.DB
	changelog *upstream.Changelog
	sink      Sink
	name      string
	schema    string

	pollInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	gq goqu.DialectWrapper
}

func New(conf Config) (*Relay, error) {
	if conf.DB == nil {
		return nil, fmt.Errorf("upstream database is required")
	}
	if conf.Changelog == nil {
		return nil, fmt.Errorf("changelog is required")
	}
	if conf.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if conf.Name == "" {
		return nil, fmt.Errorf("relay name is required")
	}
	if conf.RetryInitial <= 0 {
		conf.RetryInitial = DefaultRetryInitial
	}
	if conf.RetryMax <= 0 {
		conf.RetryMax = DefaultRetryMax
	}

	return &Relay{
		db:           conf.DB,
		changelog:    conf.Changelog,
		sink:         conf.Sink,
		name:         conf.Name,
		schema:       conf.Schema,
		pollInterval: conf.PollInterval,
		retryInitial: conf.RetryInitial,
		retryMax:     conf.RetryMax,
		gq:           goqu.Dialect(string(conf.DB.Dialect())),
	}, nil
}

// Run pumps until ctx is canceled. Broker outages retry with capped
// backoff; anything unrecoverable comes back as an error.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.ensureCursorTable(ctx); err != nil {
		return err
	}
	cursor, err := r.Cursor(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("relay", r.name).Int64("cursor", cursor).Msg("Relay resuming")

	source := feed.NewChangelogSource(r.changelog, r.schema, cursor, r.pollInterval)
	defer source.Close()

	for {
		txn, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("changelog poll failed: %w", err)
		}

		payload, err := encoding.Marshal(txn)
		if err != nil {
			return fmt.Errorf("failed to encode transaction %d: %w", txn.Seq, err)
		}
		if err := r.publish(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.saveCursor(ctx, txn.Seq); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := source.Trim(ctx, txn.Seq); err != nil {
			log.Warn().Err(err).Int64("seq", txn.Seq).Msg("Failed to prune relayed changelog rows")
		}

		telemetry.RelayTransactionsTotal.Inc()
		log.Debug().
			Int64("seq", txn.Seq).
			Int("ops", len(txn.Ops)).
			Msg("Relayed transaction")
	}
}

func (r *Relay) publish(ctx context.Context, payload []byte) error {
	delay := r.retryInitial
	for attempt := 1; ; attempt++ {
		err := r.sink.Publish(ctx, r.name, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		telemetry.RelayRetriesTotal.Inc()
		log.Error().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Publish failed, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.retryMax {
			delay = r.retryMax
		}
	}
}

func (r *Relay) ensureCursorTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	)`, cursorTable)
	if _, err := r.db.Write().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create relay cursor table: %w", err)
	}
	return nil
}

// Cursor returns the last published changelog sequence.
func (r *Relay) Cursor(ctx context.Context) (int64, error) {
	query, args, err := r.gq.From(goqu.T(cursorTable)).
		Select("seq").
		Where(goqu.C("name").Eq(r.name)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build cursor query: %w", err)
	}

	var seq int64
	err = r.db.Read().QueryRowContext(ctx, query, args...).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read relay cursor: %w", err)
	}
	return seq, nil
}

func (r *Relay) saveCursor(ctx context.Context, seq int64) error {
	query, args, err := r.gq.Insert(goqu.T(cursorTable)).
		Rows(goqu.Record{"name": r.name, "seq": seq}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{"seq": seq})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build cursor update: %w", err)
	}
	if _, err := r.db.Write().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to persist relay cursor: %w", err)
	}
	return nil
}
