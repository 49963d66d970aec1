// Package api exposes shapes over HTTP: snapshot and catch-up reads,
// long-poll live waits, and shape invalidation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/shapelog"
)

const shutdownTimeout = 5 * time.Second

// Options carries the request-independent knobs of the shape API.
type Options struct {
	Addr       string
	LongPoll   time.Duration // live-wait deadline
	AuthSecret string        // empty disables auth
}

// Server serves the shape API over one lifecycle manager.
type Server struct {
	shapes     *lifecycle.Manager
	store      shapelog.Store
	dispatcher *dispatch.Dispatcher
	opts       Options
}

func NewServer(shapes *lifecycle.Manager, store shapelog.Store, dispatcher *dispatch.Dispatcher, opts Options) *Server {
	if opts.LongPoll <= 0 {
		opts.LongPoll = 20 * time.Second
	}
	return &Server{
		shapes:     shapes,
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Routes builds the router. Shape routes sit behind auth when a secret
// is configured; health stays open for probes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.With(s.authMiddleware).Get("/v1/shape/{table}", s.handleGetShape)
	r.With(s.authMiddleware).Delete("/v1/shape/{table}", s.handleDeleteShape)

	return r
}

// Run serves until ctx ends, then drains in-flight requests. Long-poll
// waits observe the shutdown through their request contexts.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.opts.Addr,
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.opts.Addr).Msg("Shape API listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("failed to shut down shape API: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
