package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/shapesync/api"
	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/consumer"
	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/feed"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/snapshot"
	"github.com/maxpert/shapesync/upstream"
)

const (
	propagationTimeout = 10 * time.Second
	feedPollInterval   = 5 * time.Millisecond
)

// pipeline runs the whole sync stack in process: a sqlite upstream with
// change capture, a pebble-backed shape log, the lifecycle manager, the
// changelog consumer and the HTTP shape API.
type pipeline struct {
	t       *testing.T
	dataDir string
	schema  []string

	db         *upstream.DB
	changelog  *upstream.Changelog
	store      shapelog.Store
	dispatcher *dispatch.Dispatcher
	manager    *lifecycle.Manager
	server     *httptest.Server

	cancel   context.CancelFunc
	pumpDone chan error

	installed bool
}

func newPipeline(t *testing.T, schema ...string) *pipeline {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	h := &pipeline{t: t, dataDir: t.TempDir(), schema: schema}
	h.start()
	t.Cleanup(h.stop)
	return h
}

func (h *pipeline) start() {
	t := h.t
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	db, err := upstream.Open(&cfg.UpstreamConfiguration{
		Driver: "sqlite3",
		DSN:    filepath.Join(h.dataDir, "app.db"),
	})
	require.NoError(t, err)
	h.db = db

	h.changelog = upstream.NewChangelog(db, "")
	if !h.installed {
		for _, ddl := range h.schema {
			_, err := db.Write().Exec(ddl)
			require.NoError(t, err)
		}
		require.NoError(t, h.changelog.Install(ctx, nil))
		h.installed = true
	}

	registry, err := shape.NewRegistry(db, db.Dialect(), db.DefaultSchema(), nil)
	require.NoError(t, err)

	h.dispatcher = dispatch.NewDispatcher()
	store, err := shapelog.NewPebbleStore(filepath.Join(h.dataDir, "shape-logs"), h.dispatcher, shapelog.Options{})
	require.NoError(t, err)
	h.store = store

	h.manager = lifecycle.NewManager(registry, store, snapshot.NewBuilder(db, h.changelog), h.dispatcher, lifecycle.Options{})
	router := consumer.NewRouter()
	h.manager.SetRelationObserver(router)
	require.NoError(t, h.manager.Restore(ctx))

	cursor, err := store.Cursor()
	require.NoError(t, err)
	source := feed.NewChangelogSource(h.changelog, db.DefaultSchema(), cursor, feedPollInterval)

	pump, err := consumer.New(consumer.Config{
		Source: source,
		Store:  store,
		Shapes: h.manager,
		Router: router,
	})
	require.NoError(t, err)

	h.pumpDone = make(chan error, 1)
	go func() {
		err := pump.Run(ctx)
		source.Close()
		h.pumpDone <- err
	}()

	h.server = httptest.NewServer(api.NewServer(h.manager, store, h.dispatcher, api.Options{
		LongPoll: 2 * time.Second,
	}).Routes())
}

func (h *pipeline) stop() {
	if h.server != nil {
		h.server.Close()
		h.server = nil
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.pumpDone != nil {
		select {
		case err := <-h.pumpDone:
			require.NoError(h.t, err)
		case <-time.After(5 * time.Second):
			h.t.Fatal("consumer did not stop")
		}
		h.pumpDone = nil
	}
	if h.store != nil {
		require.NoError(h.t, h.store.Close())
		h.store = nil
	}
	if h.db != nil {
		require.NoError(h.t, h.db.Close())
		h.db = nil
	}
}

// restart tears the serving side down and brings it back over the same
// data directory, the way a process restart would.
func (h *pipeline) restart() {
	h.stop()
	h.start()
}

func (h *pipeline) exec(query string, args ...any) {
	h.t.Helper()
	_, err := h.db.Write().Exec(query, args...)
	require.NoError(h.t, err)
}

type shapeItem struct {
	Headers struct {
		Action  string `json:"action"`
		Control string `json:"control"`
	} `json:"headers"`
	Key    string            `json:"key"`
	Offset string            `json:"offset"`
	Value  map[string]string `json:"value"`
}

type shapeBatch struct {
	Status  int
	ShapeID string
	Offset  string
	Items   []shapeItem
}

func (b *shapeBatch) events() []shapeItem {
	var evs []shapeItem
	for _, it := range b.Items {
		if it.Headers.Control == "" {
			evs = append(evs, it)
		}
	}
	return evs
}

func (h *pipeline) fetch(path string) (*shapeBatch, error) {
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	batch := &shapeBatch{
		Status:  resp.StatusCode,
		ShapeID: resp.Header.Get("X-Shape-Id"),
		Offset:  resp.Header.Get("X-Shape-Offset"),
	}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&batch.Items); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// follow re-reads the shape from the given offset until want change
// events arrived or the deadline passed, advancing through catch-up
// batches. The consumer applies writes asynchronously, so callers poll.
func (h *pipeline) follow(table, where, shapeID, from string, want int, timeout time.Duration) ([]shapeItem, string, error) {
	deadline := time.Now().Add(timeout)
	var events []shapeItem
	off := from
	for time.Now().Before(deadline) {
		path := fmt.Sprintf("/v1/shape/%s?offset=%s&shape_id=%s", table, url.QueryEscape(off), url.QueryEscape(shapeID))
		if where != "" {
			path += "&where=" + url.QueryEscape(where)
		}
		batch, err := h.fetch(path)
		if err != nil {
			return nil, off, err
		}
		if batch.Status != http.StatusOK {
			return nil, off, fmt.Errorf("unexpected status %d at offset %s", batch.Status, off)
		}
		events = append(events, batch.events()...)
		off = batch.Offset
		if len(events) >= want {
			return events, off, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return events, off, fmt.Errorf("timeout: got %d of %d events", len(events), want)
}

func waitForCondition(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

// TestShapeFollowsUpstreamWrites drives the full path: snapshot over
// HTTP, then inserts, updates and deletes against the upstream database
// arriving as ordered shape events.
func TestShapeFollowsUpstreamWrites(t *testing.T) {
	h := newPipeline(t, `CREATE TABLE tasks (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		state TEXT NOT NULL
	)`)

	h.exec(`INSERT INTO tasks (id, title, state) VALUES
		(1, 'write spec', 'open'), (2, 'review code', 'open')`)

	t.Log("Fetching initial snapshot...")
	batch, err := h.fetch("/v1/shape/tasks?offset=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, batch.Status)
	require.NotEmpty(t, batch.ShapeID)

	snap := batch.events()
	require.Len(t, snap, 2)
	require.Equal(t, "insert", snap[0].Headers.Action)
	require.Equal(t, `"main"."tasks"/"1"`, snap[0].Key)
	require.Equal(t, "write spec", snap[0].Value["title"])
	require.Equal(t, `"main"."tasks"/"2"`, snap[1].Key)

	shapeID, off := batch.ShapeID, batch.Offset

	t.Log("Inserting a row and following the log...")
	h.exec(`INSERT INTO tasks (id, title, state) VALUES (3, 'ship it', 'open')`)
	events, off, err := h.follow("tasks", "", shapeID, off, 1, propagationTimeout)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "insert", events[0].Headers.Action)
	require.Equal(t, `"main"."tasks"/"3"`, events[0].Key)
	require.Equal(t, "ship it", events[0].Value["title"])

	t.Log("Updating and deleting...")
	h.exec(`UPDATE tasks SET state = 'done' WHERE id = 1`)
	h.exec(`DELETE FROM tasks WHERE id = 2`)
	events, _, err = h.follow("tasks", "", shapeID, off, 2, propagationTimeout)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "update", events[0].Headers.Action)
	require.Equal(t, `"main"."tasks"/"1"`, events[0].Key)
	require.Equal(t, "done", events[0].Value["state"])
	require.Equal(t, "delete", events[1].Headers.Action)
	require.Equal(t, `"main"."tasks"/"2"`, events[1].Key)

	t.Log("SUCCESS: upstream writes arrived as ordered shape events")
}
