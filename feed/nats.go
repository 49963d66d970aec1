package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/encoding"
)

const natsFetchWait = time.Second

// NatsSource consumes msgpack transactions from a JetStream subject
// through a durable pull consumer. The message stays unacked until the
// consumer commits, so an interrupted apply is redelivered.
type NatsSource struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	pending  jetstream.Msg
}

var (
	_ Source    = (*NatsSource)(nil)
	_ Committer = (*NatsSource)(nil)
)

func NewNatsSource(conf *cfg.FeedConfiguration) (*NatsSource, error) {
	if conf.NATSUrl == "" {
		return nil, fmt.Errorf("nats feed requires nats_url")
	}

	nc, err := nats.Connect(conf.NATSUrl,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      conf.NATSStream,
		Subjects:  []string{conf.NATSSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", conf.NATSStream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "shapesync-feed",
		FilterSubject: conf.NATSSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure consumer: %w", err)
	}

	return &NatsSource{nc: nc, consumer: consumer}, nil
}

func (s *NatsSource) Next(ctx context.Context) (*Transaction, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			return nil, fmt.Errorf("jetstream fetch failed: %w", err)
		}
		for msg := range batch.Messages() {
			txn := &Transaction{}
			if err := encoding.Unmarshal(msg.Data(), txn); err != nil {
				return nil, fmt.Errorf("bad transaction payload: %w", err)
			}
			s.pending = msg
			return txn, nil
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("jetstream fetch failed: %w", err)
		}
	}
}

// Commit acks the transaction returned by the last Next.
func (s *NatsSource) Commit(context.Context) error {
	if s.pending == nil {
		return nil
	}
	if err := s.pending.Ack(); err != nil {
		return fmt.Errorf("failed to ack transaction: %w", err)
	}
	s.pending = nil
	return nil
}

func (s *NatsSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
