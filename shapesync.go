package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/shapesync/api"
	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/consumer"
	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/feed"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/snapshot"
	"github.com/maxpert/shapesync/telemetry"
	"github.com/maxpert/shapesync/upstream"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Shapesync - Partial Table Sync over Change Capture")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Phase 1: Open the upstream database and install change capture
	log.Info().Msg("Opening upstream database")
	db, err := upstream.Open(&cfg.Config.Upstream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open upstream database")
		return
	}
	defer db.Close()

	changelog := upstream.NewChangelog(db, cfg.Config.Upstream.ChangelogTable)
	if cfg.Config.Upstream.InstallChangelog && cfg.Config.Upstream.Driver == "sqlite3" {
		log.Info().Msg("Installing change capture triggers")
		if err := changelog.Install(ctx, cfg.Config.Shapes.Tables); err != nil {
			log.Fatal().Err(err).Msg("Failed to install change capture")
			return
		}
	}

	registry, err := shape.NewRegistry(db, db.Dialect(), db.DefaultSchema(), cfg.Config.Shapes.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build shape registry")
		return
	}

	// Phase 2: Open the shape log store
	log.Info().Str("store", string(cfg.Config.Log.Store)).Msg("Opening shape log store")
	dispatcher := dispatch.NewDispatcher()
	store, err := openLogStore(dispatcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open shape log store")
		return
	}
	defer store.Close()

	// Phase 3: Restore shape generations
	manager := lifecycle.NewManager(registry, store, snapshot.NewBuilder(db, changelog), dispatcher, lifecycle.Options{
		MaxShapes:    cfg.Config.Shapes.MaxShapes,
		RetainEvents: cfg.Config.Log.RetentionMaxEvents,
		CompactEvery: time.Duration(cfg.Config.Log.CompactIntervalS) * time.Second,
		DropGrace:    time.Duration(cfg.Config.Log.DropGraceMS) * time.Millisecond,
	})
	router := consumer.NewRouter()
	manager.SetRelationObserver(router)

	log.Info().Msg("Restoring shape generations")
	if err := manager.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore shape generations")
		return
	}

	// Phase 4: Open the change feed and build the consumer
	cursor, err := store.Cursor()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read feed cursor")
		return
	}
	log.Info().Str("source", string(cfg.Config.Feed.Source)).Int64("cursor", cursor).Msg("Opening change feed")
	source, err := feed.Open(
		&cfg.Config.Feed,
		changelog,
		db.DefaultSchema(),
		cursor,
		time.Duration(cfg.Config.Upstream.PollIntervalMS)*time.Millisecond,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change feed")
		return
	}
	defer source.Close()

	pump, err := consumer.New(consumer.Config{
		Source: source,
		Store:  store,
		Shapes: manager,
		Router: router,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build feed consumer")
		return
	}

	// Phase 5: Start the shape API, consumer, retention and metrics
	server := api.NewServer(manager, store, dispatcher, api.Options{
		Addr:       fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port),
		LongPoll:   time.Duration(cfg.Config.HTTP.LongPollTimeoutMS) * time.Millisecond,
		AuthSecret: cfg.Config.HTTP.AuthSecret,
	})

	collector := telemetry.NewMetricsCollector(dispatcher, manager, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error { return server.Run(grpCtx) })
	grp.Go(func() error { return pump.Run(grpCtx) })
	grp.Go(func() error { return manager.Run(grpCtx) })
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		grp.Go(func() error { return serveMetrics(grpCtx, handler) })
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Shapesync is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping")
		cancel()
	case <-grpCtx.Done():
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Component failed during shutdown")
	}
	log.Info().Msg("Shapesync stopped")
}

func openLogStore(notifier shapelog.Notifier) (shapelog.Store, error) {
	if cfg.Config.Log.Store == cfg.LogStoreMemory {
		return shapelog.NewMemoryStore(notifier), nil
	}
	return shapelog.NewPebbleStore(cfg.GetLogStorePath(), notifier, shapelog.Options{
		CompressionLevel:    cfg.Config.Log.CompressionLevel,
		CompressionMinBytes: cfg.Config.Log.CompressionMinBytes,
	})
}

func serveMetrics(ctx context.Context, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Int("port", cfg.Config.Prometheus.Port).Msg("Metrics endpoint listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
