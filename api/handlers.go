package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/telemetry"
)

const controlUpToDate = "up-to-date"

// item is one element of a shape response batch: either a change event
// or the terminal up-to-date control marker.
type item struct {
	Headers itemHeaders `json:"headers"`
	Key     string      `json:"key,omitempty"`
	Offset  string      `json:"offset,omitempty"`
	Value   shape.Row   `json:"value,omitempty"`
}

type itemHeaders struct {
	Action  shape.Action `json:"action,omitempty"`
	Control string       `json:"control,omitempty"`
}

// handleGetShape serves snapshots, catch-up batches and live waits.
//
//	offset=-1                  creates or joins the shape, returns the snapshot
//	offset=O&shape_id=S        returns everything after O, immediately
//	...&live                   suspends until the log grows past O or the deadline
func (s *Server) handleGetShape(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q := r.URL.Query()

	rawOffset := q.Get("offset")
	if rawOffset == "" {
		writeFieldError(w, "offset is required", "offset")
		return
	}
	from, err := offset.Parse(rawOffset)
	if err != nil {
		writeFieldError(w, err.Error(), "offset")
		return
	}
	shapeID := q.Get("shape_id")
	if from.After(offset.BeforeAll) && shapeID == "" {
		writeFieldError(w, "offset beyond -1 requires shape_id", "shape_id")
		return
	}
	where := q.Get("where")
	_, live := q["live"]

	gen, err := s.shapes.Subscribe(r.Context(), table, where, from, shapeID)
	if err != nil {
		s.writeShapeError(w, err)
		return
	}

	res, err := s.store.ReadAfter(gen.ID, from, 0)
	var retention *shapelog.RetentionError
	if errors.As(err, &retention) && from.IsBeforeAll() {
		// The snapshot batch fell to retention; rebuild once
		gen, err = s.shapes.Rotate(gen)
		if err != nil {
			s.writeShapeError(w, err)
			return
		}
		res, err = s.store.ReadAfter(gen.ID, from, 0)
	}
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	if live && len(res.Events) == 0 {
		res, err = s.waitLive(r.Context(), gen, from)
		switch {
		case err != nil:
			s.writeReadError(w, err)
			return
		case res == nil:
			// Timed out or the client went away; a dead generation
			// never notifies its waiters, so recheck before answering
			// "still caught up".
			if r.Context().Err() != nil {
				return
			}
			if _, err := s.shapes.Subscribe(r.Context(), table, where, from, gen.ID); err != nil {
				writeRestart(w, "shape generation is gone")
				return
			}
			s.writeUpToDate(w, gen, from, true)
			return
		}
	}

	s.writeBatch(w, gen, res, live)
}

// waitLive suspends until the shape log grows past from. A nil result
// with nil error means the deadline elapsed with nothing new.
func (s *Server) waitLive(ctx context.Context, gen *lifecycle.Generation, from offset.Offset) (*shapelog.ReadResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.LongPoll)
	defer cancel()

	outcome, err := s.dispatcher.Wait(waitCtx, gen.ID, from)
	if err != nil {
		// Client disconnect, not deadline
		telemetry.LongpollTotal.With("cancelled").Inc()
		return nil, nil
	}
	switch outcome {
	case dispatch.OutcomeReady:
		telemetry.LongpollTotal.With("ready").Inc()
		return s.store.ReadAfter(gen.ID, from, 0)
	case dispatch.OutcomeInvalidated:
		telemetry.LongpollTotal.With("invalidated").Inc()
		return nil, &shapelog.MissingLogError{ShapeID: gen.ID}
	default:
		telemetry.LongpollTotal.With("timeout").Inc()
		return nil, nil
	}
}

// handleDeleteShape invalidates the generation named by shape_id. The
// next offset=-1 request builds a fresh one under a new id.
func (s *Server) handleDeleteShape(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q := r.URL.Query()

	shapeID := q.Get("shape_id")
	if shapeID == "" {
		writeFieldError(w, "shape_id is required", "shape_id")
		return
	}

	gen, err := s.shapes.Subscribe(r.Context(), table, q.Get("where"), offset.BeforeAll, shapeID)
	if err != nil {
		s.writeShapeError(w, err)
		return
	}
	s.shapes.Invalidate(gen)
	log.Info().Str("shape_id", gen.ID).Str("table", table).Msg("Shape invalidated by request")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeBatch(w http.ResponseWriter, gen *lifecycle.Generation, res *shapelog.ReadResult, live bool) {
	items := make([]item, 0, len(res.Events)+1)
	last := res.Head
	for _, ev := range res.Events {
		items = append(items, item{
			Headers: itemHeaders{Action: ev.Action},
			Key:     ev.Key,
			Offset:  ev.Offset.String(),
			Value:   ev.Value,
		})
		last = ev.Offset
	}
	if res.UpToDate {
		items = append(items, item{Headers: itemHeaders{Control: controlUpToDate}})
	}

	s.batchHeaders(w, gen.ID, last, live)
	writeJSON(w, items)
}

// writeUpToDate answers a quiet live wait: no rows, just the control
// marker at the caller's own position.
func (s *Server) writeUpToDate(w http.ResponseWriter, gen *lifecycle.Generation, from offset.Offset, live bool) {
	s.batchHeaders(w, gen.ID, from, live)
	writeJSON(w, []item{{Headers: itemHeaders{Control: controlUpToDate}}})
}

func (s *Server) batchHeaders(w http.ResponseWriter, shapeID string, last offset.Offset, live bool) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Shape-Id", shapeID)
	h.Set("X-Shape-Offset", last.String())
	if live {
		h.Set("Cache-Control", "no-store")
	}
}

// writeShapeError maps resolve and lifecycle failures onto the API
// statuses: bad parameters are 400 with the offending field, a stale
// generation is a 409 restart, a full table is 429.
func (s *Server) writeShapeError(w http.ResponseWriter, err error) {
	var (
		stale    *lifecycle.StaleShapeError
		capacity *lifecycle.CapacityError
		notFound *shape.TableNotFoundError
		blocked  *shape.BlockedTableError
		filter   *shape.FilterError
		noKey    *shape.NoKeyError
	)
	switch {
	case errors.As(err, &stale):
		writeRestart(w, err.Error())
	case errors.As(err, &capacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &filter):
		writeFieldError(w, err.Error(), "where")
	case errors.As(err, &notFound), errors.As(err, &blocked), errors.As(err, &noKey):
		writeFieldError(w, err.Error(), "table")
	default:
		log.Error().Err(err).Msg("Failed to resolve shape")
		writeError(w, http.StatusInternalServerError, "failed to resolve shape")
	}
}

// writeReadError maps log read failures: history trimmed or log gone
// both mean the client restarts from scratch.
func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	var (
		retention *shapelog.RetentionError
		missing   *shapelog.MissingLogError
	)
	switch {
	case errors.As(err, &retention):
		writeRestart(w, "requested offset predates retained history")
	case errors.As(err, &missing):
		writeRestart(w, "shape generation is gone")
	default:
		log.Error().Err(err).Msg("Failed to read shape log")
		writeError(w, http.StatusInternalServerError, "failed to read shape log")
	}
}

func writeRestart(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	writeJSON(w, map[string]any{"error": msg, "restart": true})
}

func writeFieldError(w http.ResponseWriter, msg, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]string{"error": msg, "field": field})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
