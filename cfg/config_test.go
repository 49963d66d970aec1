package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Upstream: UpstreamConfiguration{
			Driver:         "sqlite3",
			DSN:            "./app.db",
			ChangelogTable: "_shapesync_log",
			PollIntervalMS: 50,
		},
		Feed: FeedConfiguration{
			Source: FeedChangelog,
		},
		Log: LogConfiguration{
			Store:              LogStorePebble,
			CompressionLevel:   1,
			RetentionMaxEvents: 1024,
			CompactIntervalS:   60,
		},
		Shapes: ShapesConfiguration{
			Tables:    []string{"*"},
			MaxShapes: 16,
		},
		HTTP: HTTPConfiguration{
			Port:              4680,
			LongPollTimeoutMS: 20000,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []int{-1, 0, 70000}

	for _, port := range tests {
		Config = validConfig()
		Config.HTTP.Port = port

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for invalid HTTP port %d", port)
		}
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Upstream.Driver = "postgres"

	err := Validate()
	if err == nil {
		t.Error("Expected error for unknown upstream driver")
	}
}

func TestValidate_ChangelogFeedNeedsSqlite(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Upstream.Driver = "mysql"
	Config.Feed.Source = FeedChangelog

	err := Validate()
	if err == nil {
		t.Error("Expected error for changelog feed on mysql driver")
	}
}

func TestValidate_NATSFeedNeedsURL(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Feed.Source = FeedNATS
	Config.Feed.NATSUrl = ""

	err := Validate()
	if err == nil {
		t.Error("Expected error for nats feed without nats_url")
	}

	Config.Feed.NATSUrl = "nats://localhost:4222"
	if err := Validate(); err != nil {
		t.Errorf("Expected no error once nats_url set, got: %v", err)
	}
}

func TestValidate_KafkaFeedNeedsBrokers(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Feed.Source = FeedKafka
	Config.Feed.Brokers = nil

	err := Validate()
	if err == nil {
		t.Error("Expected error for kafka feed without brokers")
	}

	Config.Feed.Brokers = []string{"localhost:9092"}
	if err := Validate(); err != nil {
		t.Errorf("Expected no error once brokers set, got: %v", err)
	}
}

func TestValidate_UnknownLogStore(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Log.Store = "redis"

	err := Validate()
	if err == nil {
		t.Error("Expected error for unknown log store")
	}
}

func TestValidate_CompressionLevelRange(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, level := range []int{-1, 5} {
		Config = validConfig()
		Config.Log.CompressionLevel = level

		if err := Validate(); err == nil {
			t.Errorf("Expected error for compression level %d", level)
		}
	}

	for level := 0; level <= 4; level++ {
		Config = validConfig()
		Config.Log.CompressionLevel = level

		if err := Validate(); err != nil {
			t.Errorf("Expected no error for compression level %d, got: %v", level, err)
		}
	}
}

func TestValidate_EmptyTablePatterns(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.Shapes.Tables = nil

	err := Validate()
	if err == nil {
		t.Error("Expected error for empty shapes.tables")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "shapesync-test-load")
	defer os.RemoveAll(tempDir)

	Config = validConfig()
	Config.DataDir = tempDir
	Config.NodeID = 0

	err := Load("non-existent-file.toml")
	if err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	// Node ID should be auto-generated
	if Config.NodeID == 0 {
		t.Error("Expected node ID to be auto-generated")
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "shapesync-test-data")
	defer os.RemoveAll(tempDir)

	Config = validConfig()
	Config.DataDir = tempDir

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated node ID should not be 0")
	}

	// Generate another ID - should be the same (deterministic for machine)
	id2, err := generateNodeID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Node ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "shapesync-test-override")
	defer os.RemoveAll(tempDir)

	*DataDirFlag = tempDir
	*NodeIDFlag = 12345
	*HTTPPortFlag = 9999
	*UpstreamFlag = "/tmp/other.db"

	defer func() {
		*DataDirFlag = ""
		*NodeIDFlag = 0
		*HTTPPortFlag = 0
		*UpstreamFlag = ""
	}()

	Config = validConfig()
	Config.DataDir = "./default-data"
	Config.NodeID = 0

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.NodeID != 12345 {
		t.Errorf("Expected node ID 12345, got %d", Config.NodeID)
	}

	if Config.HTTP.Port != 9999 {
		t.Errorf("Expected HTTP port 9999, got %d", Config.HTTP.Port)
	}

	if Config.Upstream.DSN != "/tmp/other.db" {
		t.Errorf("Expected upstream DSN /tmp/other.db, got %s", Config.Upstream.DSN)
	}
}

func TestGetLogStorePath(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	Config.DataDir = "/var/lib/shapesync"

	got := GetLogStorePath()
	want := "/var/lib/shapesync/shape-logs"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func BenchmarkGenerateNodeID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		generateNodeID()
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
