package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/encoding"
)

const (
	defaultKafkaMaxBytes = 1 << 20
	defaultKafkaMaxWait  = time.Second
)

// KafkaSource consumes msgpack transactions from a topic through a
// consumer group. Offsets are committed only after the consumer applied
// the transaction, so the group position never runs ahead of the logs.
type KafkaSource struct {
	reader  *kafka.Reader
	pending *kafka.Message
}

var (
	_ Source    = (*KafkaSource)(nil)
	_ Committer = (*KafkaSource)(nil)
)

func NewKafkaSource(conf *cfg.FeedConfiguration) (*KafkaSource, error) {
	if len(conf.Brokers) == 0 {
		return nil, fmt.Errorf("kafka feed requires at least one broker address")
	}
	if conf.Topic == "" {
		return nil, fmt.Errorf("kafka feed requires a topic")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     conf.Brokers,
		GroupID:     conf.GroupID,
		Topic:       conf.Topic,
		MinBytes:    1,
		MaxBytes:    defaultKafkaMaxBytes,
		MaxWait:     defaultKafkaMaxWait,
		StartOffset: kafka.FirstOffset,
	})
	return &KafkaSource{reader: reader}, nil
}

func (s *KafkaSource) Next(ctx context.Context) (*Transaction, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka fetch failed: %w", err)
	}

	txn := &Transaction{}
	if err := encoding.Unmarshal(msg.Value, txn); err != nil {
		return nil, fmt.Errorf("bad transaction payload: %w", err)
	}
	s.pending = &msg
	return txn, nil
}

// Commit advances the group offset past the last fetched transaction.
func (s *KafkaSource) Commit(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, *s.pending); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	s.pending = nil
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
