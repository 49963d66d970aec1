package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/maxpert/shapesync/cfg"
)

// NatsSink publishes transactions to a JetStream subject. The stream is
// ensured once at construction with the same config the feed source
// uses, so whichever side comes up first creates it.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

var _ Sink = (*NatsSink)(nil)

func NewNatsSink(conf *cfg.FeedConfiguration) (*NatsSink, error) {
	if conf.NATSUrl == "" {
		return nil, fmt.Errorf("nats sink requires nats_url")
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

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      conf.NATSStream,
		Subjects:  []string{conf.NATSSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", conf.NATSStream, err)
	}

	return &NatsSink{nc: nc, js: js, subject: conf.NATSSubject}, nil
}

func (s *NatsSink) Publish(ctx context.Context, key string, value []byte) error {
	msg := &nats.Msg{
		Subject: s.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := s.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

func (s *NatsSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
