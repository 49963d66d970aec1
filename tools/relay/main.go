// Command relay tails a sqlite upstream's changelog and republishes
// committed transactions to the broker named in the [feed] section.
// Serving nodes point their feed source at the same broker; the relay
// node itself must not run a local changelog consumer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/relay"
	"github.com/maxpert/shapesync/telemetry"
	"github.com/maxpert/shapesync/upstream"
)

var nameFlag = flag.String("name", "relay", "Cursor name, distinguishes multiple relays on one upstream")

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}
	if cfg.Config.Feed.Source == cfg.FeedChangelog {
		panic("relay requires a broker feed source (nats or kafka) in the [feed] section")
	}
	if cfg.Config.Upstream.Driver != "sqlite3" {
		panic("relay reads a sqlite changelog; set upstream.driver = \"sqlite3\"")
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Str("relay", *nameFlag).
		Logger()
	if cfg.Config.Logging.Verbose {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := upstream.Open(&cfg.Config.Upstream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open upstream database")
		return
	}
	defer db.Close()

	changelog := upstream.NewChangelog(db, cfg.Config.Upstream.ChangelogTable)
	if cfg.Config.Upstream.InstallChangelog {
		if err := changelog.Install(ctx, cfg.Config.Shapes.Tables); err != nil {
			log.Fatal().Err(err).Msg("Failed to install change capture")
			return
		}
	}

	sink, err := relay.OpenSink(&cfg.Config.Feed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker sink")
		return
	}
	defer sink.Close()

	r, err := relay.New(relay.Config{
		DB:           db,
		Changelog:    changelog,
		Sink:         sink,
		Name:         *nameFlag,
		Schema:       db.DefaultSchema(),
		PollInterval: time.Duration(cfg.Config.Upstream.PollIntervalMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build relay")
		return
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	log.Info().
		Str("source", string(cfg.Config.Feed.Source)).
		Str("dsn", cfg.Config.Upstream.DSN).
		Msg("Relay started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping")
		cancel()
		if err := <-done; err != nil {
			log.Error().Err(err).Msg("Relay failed during shutdown")
		}
	case err := <-done:
		if err != nil {
			log.Fatal().Err(err).Msg("Relay failed")
			return
		}
	}
	log.Info().Msg("Relay stopped")
}
