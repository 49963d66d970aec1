package feed

import (
	"context"
	"time"

	"github.com/maxpert/shapesync/upstream"
)

const defaultPollBatch = 512

// ChangelogSource polls the upstream changelog table. SQLite admits one
// writer at a time, so changelog sequences never interleave across
// transactions; a batch of contiguous committed rows is a concatenation
// of whole transactions in commit order. Returning the batch as one
// transaction can merge neighbors but never splits one, which is the
// direction atomic visibility survives.
type ChangelogSource struct {
	changelog *upstream.Changelog
	schema    string
	after     int64
	batch     int
	ticker    *time.Ticker
}

var (
	_ Source  = (*ChangelogSource)(nil)
	_ Trimmer = (*ChangelogSource)(nil)
)

// NewChangelogSource resumes polling from the given changelog position.
func NewChangelogSource(changelog *upstream.Changelog, schema string, after int64, pollInterval time.Duration) *ChangelogSource {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &ChangelogSource{
		changelog: changelog,
		schema:    schema,
		after:     after,
		batch:     defaultPollBatch,
		ticker:    time.NewTicker(pollInterval),
	}
}

func (s *ChangelogSource) Next(ctx context.Context) (*Transaction, error) {
	for {
		rows, err := s.changelog.Poll(ctx, s.after, s.batch)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return s.buildTransaction(rows), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ticker.C:
		}
	}
}

func (s *ChangelogSource) buildTransaction(rows []upstream.ChangeRow) *Transaction {
	txn := &Transaction{
		Seq:      rows[len(rows)-1].Seq,
		CommitTS: time.Now().UnixMilli(),
		Ops:      make([]Op, 0, len(rows)),
	}
	for _, row := range rows {
		schema := row.Schema
		if schema == "" {
			schema = s.schema
		}
		txn.Ops = append(txn.Ops, Op{
			Seq:    row.Seq,
			Schema: schema,
			Table:  row.Table,
			Action: row.Action,
			Old:    row.Old,
			New:    row.New,
		})
	}
	s.after = txn.Seq
	return txn
}

// Trim deletes consumed changelog rows so the table does not grow
// without bound.
func (s *ChangelogSource) Trim(ctx context.Context, upTo int64) error {
	return s.changelog.Prune(ctx, upTo)
}

func (s *ChangelogSource) Close() error {
	s.ticker.Stop()
	return nil
}
