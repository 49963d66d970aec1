package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// FeedSourceType defines where committed transactions are consumed from
type FeedSourceType string

const (
	FeedChangelog FeedSourceType = "changelog" // Poll the upstream changelog table
	FeedNATS      FeedSourceType = "nats"      // NATS JetStream subject
	FeedKafka     FeedSourceType = "kafka"     // Kafka topic
)

// LogStoreType defines where shape logs are persisted
type LogStoreType string

const (
	LogStorePebble LogStoreType = "pebble" // On-disk, survives restart
	LogStoreMemory LogStoreType = "memory" // In-process, ephemeral
)

// UpstreamConfiguration points at the source database
type UpstreamConfiguration struct {
	Driver           string `toml:"driver"` // "sqlite3" or "mysql"
	DSN              string `toml:"dsn"`
	ChangelogTable   string `toml:"changelog_table"`
	InstallChangelog bool   `toml:"install_changelog"` // Create table + triggers for exposed tables (sqlite3 only)
	PollIntervalMS   int    `toml:"poll_interval_ms"`
}

// FeedConfiguration selects and tunes the change feed transport
type FeedConfiguration struct {
	Source      FeedSourceType `toml:"source"`
	NATSUrl     string         `toml:"nats_url"`
	NATSStream  string         `toml:"nats_stream"`
	NATSSubject string         `toml:"nats_subject"`
	Brokers     []string       `toml:"brokers"`
	Topic       string         `toml:"topic"`
	GroupID     string         `toml:"group_id"`
}

// LogConfiguration controls shape log storage and retention
type LogConfiguration struct {
	Store               LogStoreType `toml:"store"`
	CompressionLevel    int          `toml:"compression_level"`    // 0 disables zstd, 1-4 map to increasing levels
	CompressionMinBytes int          `toml:"compression_min_bytes"`
	RetentionMaxEvents  int          `toml:"retention_max_events"` // Per shape, 0 = unlimited
	CompactIntervalS    int          `toml:"compact_interval_seconds"`
	DropGraceMS         int          `toml:"drop_grace_ms"` // Delay before an invalidated generation's log is deleted
}

// ShapesConfiguration gates which relations may be exposed
type ShapesConfiguration struct {
	Tables    []string `toml:"tables"` // Glob patterns; a table must match one to be exposable
	MaxShapes int      `toml:"max_shapes"`
}

// HTTPConfiguration for the shape-serving API
type HTTPConfiguration struct {
	BindAddress       string `toml:"bind_address"`
	Port              int    `toml:"port"`
	LongPollTimeoutMS int    `toml:"long_poll_timeout_ms"`
	AuthSecret        string `toml:"auth_secret"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Upstream   UpstreamConfiguration   `toml:"upstream"`
	Feed       FeedConfiguration       `toml:"feed"`
	Log        LogConfiguration        `toml:"log"`
	Shapes     ShapesConfiguration     `toml:"shapes"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "Shape API port (overrides config)")
	UpstreamFlag   = flag.String("upstream", "", "Upstream DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./shapesync-data",

	Upstream: UpstreamConfiguration{
		Driver:           "sqlite3",
		DSN:              "./app.db",
		ChangelogTable:   "_shapesync_log",
		InstallChangelog: true,
		PollIntervalMS:   50,
	},

	Feed: FeedConfiguration{
		Source:      FeedChangelog,
		NATSStream:  "SHAPESYNC",
		NATSSubject: "shapesync.txns",
		Brokers:     []string{},
		Topic:       "shapesync-txns",
		GroupID:     "shapesync",
	},

	Log: LogConfiguration{
		Store:               LogStorePebble,
		CompressionLevel:    1,
		CompressionMinBytes: 512,
		RetentionMaxEvents:  65536,
		CompactIntervalS:    60,
		DropGraceMS:         0,
	},

	Shapes: ShapesConfiguration{
		Tables:    []string{"*"},
		MaxShapes: 1024,
	},

	HTTP: HTTPConfiguration{
		BindAddress:       "0.0.0.0",
		Port:              4680,
		LongPollTimeoutMS: 20000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *UpstreamFlag != "" {
		Config.Upstream.DSN = *UpstreamFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("shapesync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.HTTP.LongPollTimeoutMS < 1 {
		return fmt.Errorf("long poll timeout must be >= 1ms")
	}

	switch Config.Upstream.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unknown upstream driver: %s", Config.Upstream.Driver)
	}

	if Config.Upstream.DSN == "" {
		return fmt.Errorf("upstream DSN must be set")
	}

	if Config.Upstream.ChangelogTable == "" {
		return fmt.Errorf("changelog table name must be set")
	}

	if Config.Upstream.PollIntervalMS < 1 {
		return fmt.Errorf("upstream poll interval must be >= 1ms")
	}

	switch Config.Feed.Source {
	case FeedChangelog:
		// Changelog capture needs trigger support; only the sqlite3 driver installs it
		if Config.Upstream.Driver != "sqlite3" {
			return fmt.Errorf("changelog feed requires the sqlite3 driver, got %s", Config.Upstream.Driver)
		}
	case FeedNATS:
		if Config.Feed.NATSUrl == "" {
			return fmt.Errorf("nats feed requires nats_url")
		}
	case FeedKafka:
		if len(Config.Feed.Brokers) == 0 {
			return fmt.Errorf("kafka feed requires at least one broker")
		}
	default:
		return fmt.Errorf("unknown feed source: %s", Config.Feed.Source)
	}

	switch Config.Log.Store {
	case LogStorePebble, LogStoreMemory:
	default:
		return fmt.Errorf("unknown log store: %s", Config.Log.Store)
	}

	if Config.Log.CompressionLevel < 0 || Config.Log.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be 0-4, got %d", Config.Log.CompressionLevel)
	}

	if Config.Log.CompressionMinBytes < 0 {
		return fmt.Errorf("compression min bytes must be >= 0")
	}

	if Config.Log.RetentionMaxEvents < 0 {
		return fmt.Errorf("retention max events must be >= 0")
	}

	if Config.Log.CompactIntervalS < 1 {
		return fmt.Errorf("compact interval must be >= 1 second")
	}

	if Config.Log.DropGraceMS < 0 {
		return fmt.Errorf("drop grace must be >= 0")
	}

	if len(Config.Shapes.Tables) == 0 {
		return fmt.Errorf("shapes.tables must list at least one pattern")
	}

	if Config.Shapes.MaxShapes < 1 {
		return fmt.Errorf("max shapes must be >= 1")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}

// GetLogStorePath returns the directory holding the pebble shape log
func GetLogStorePath() string {
	return path.Join(Config.DataDir, "shape-logs")
}
