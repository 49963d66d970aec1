package feed

import (
	"fmt"
	"time"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/upstream"
)

// Open builds the configured source. cursor seeds changelog polling;
// broker sources resume from their own durable position instead.
func Open(conf *cfg.FeedConfiguration, changelog *upstream.Changelog, schema string, cursor int64, pollInterval time.Duration) (Source, error) {
	switch conf.Source {
	case cfg.FeedChangelog:
		return NewChangelogSource(changelog, schema, cursor, pollInterval), nil
	case cfg.FeedNATS:
		return NewNatsSource(conf)
	case cfg.FeedKafka:
		return NewKafkaSource(conf)
	default:
		return nil, fmt.Errorf("unknown feed source %q", conf.Source)
	}
}
