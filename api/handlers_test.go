package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/snapshot"
	"github.com/maxpert/shapesync/upstream"
)

type fixture struct {
	store shapelog.Store
	disp  *dispatch.Dispatcher
	mgr   *lifecycle.Manager
	srv   *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := upstream.Open(&cfg.UpstreamConfiguration{Driver: "sqlite3", DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Write().Exec(`CREATE TABLE issues (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		priority INTEGER
	)`)
	require.NoError(t, err)

	changelog := upstream.NewChangelog(db, "")
	require.NoError(t, changelog.Install(context.Background(), nil))

	_, err = db.Write().Exec(`INSERT INTO issues (id, title, priority) VALUES
		(1, 'first', 5), (2, 'second', 1)`)
	require.NoError(t, err)

	registry, err := shape.NewRegistry(db, db.Dialect(), db.DefaultSchema(), nil)
	require.NoError(t, err)

	disp := dispatch.NewDispatcher()
	store := shapelog.NewMemoryStore(disp)
	mgr := lifecycle.NewManager(registry, store, snapshot.NewBuilder(db, changelog), disp, lifecycle.Options{})

	if opts.LongPoll == 0 {
		opts.LongPoll = 2 * time.Second
	}
	srv := httptest.NewServer(NewServer(mgr, store, disp, opts).Routes())
	t.Cleanup(srv.Close)

	return &fixture{store: store, disp: disp, mgr: mgr, srv: srv}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []item) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var items []item
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	}
	return resp, items
}

func (f *fixture) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestAPI_SnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})

	resp, items := f.get(t, "/v1/shape/issues?offset=-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Shape-Id"))
	assert.Equal(t, "0_0", resp.Header.Get("X-Shape-Offset"))

	require.Len(t, items, 3)
	assert.Equal(t, shape.ActionInsert, items[0].Headers.Action)
	assert.Equal(t, `"main"."issues"/"1"`, items[0].Key)
	assert.Equal(t, "0_0", items[0].Offset)
	assert.Equal(t, "first", items[0].Value["title"])
	assert.Equal(t, `"main"."issues"/"2"`, items[1].Key)
	assert.Equal(t, controlUpToDate, items[2].Headers.Control)
	assert.Empty(t, items[2].Key)
}

func TestAPI_CatchUpReturnsNewEvents(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	shapeID := resp.Header.Get("X-Shape-Id")

	require.NoError(t, f.store.Append(shapeID, []shape.Event{{
		Offset: offset.Offset{Tx: 3, Op: 1},
		Action: shape.ActionInsert,
		Key:    `"main"."issues"/"3"`,
		Value:  shape.Row{"id": "3", "title": "third"},
	}}))

	resp, items := f.get(t, "/v1/shape/issues?offset=0_0&shape_id="+shapeID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, items, 2)
	assert.Equal(t, "3_1", items[0].Offset)
	assert.Equal(t, "3_1", resp.Header.Get("X-Shape-Offset"))
	assert.Equal(t, controlUpToDate, items[1].Headers.Control)

	// Caught up: immediate control-only batch, never blocks
	resp, items = f.get(t, "/v1/shape/issues?offset=3_1&shape_id="+shapeID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, items, 1)
	assert.Equal(t, controlUpToDate, items[0].Headers.Control)
}

func TestAPI_ValidatesParameters(t *testing.T) {
	f := newFixture(t, Options{})

	cases := []struct {
		path  string
		field string
	}{
		{"/v1/shape/issues", "offset"},
		{"/v1/shape/issues?offset=banana", "offset"},
		{"/v1/shape/issues?offset=0_0", "shape_id"},
		{"/v1/shape/ghost?offset=-1", "table"},
		{"/v1/shape/issues?offset=-1&where=missing_col+%3D+1", "where"},
	}
	for _, tc := range cases {
		resp, err := http.Get(f.srv.URL + tc.path)
		require.NoError(t, err, tc.path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), tc.path)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.path)
		assert.Equal(t, tc.field, body["field"], tc.path)
	}
}

func TestAPI_StaleShapeIDConflicts(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=0_0&shape_id=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["restart"])
}

func TestAPI_LiveWaitWakesOnAppend(t *testing.T) {
	f := newFixture(t, Options{LongPoll: 5 * time.Second})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	shapeID := resp.Header.Get("X-Shape-Id")

	type result struct {
		status int
		items  []item
		offset string
	}
	done := make(chan result, 1)
	go func() {
		r, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=0_0&shape_id=" + shapeID + "&live")
		if err != nil {
			done <- result{}
			return
		}
		defer r.Body.Close()
		var items []item
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			done <- result{}
			return
		}
		done <- result{r.StatusCode, items, r.Header.Get("X-Shape-Offset")}
	}()

	require.Eventually(t, func() bool { return f.disp.Len() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.store.Append(shapeID, []shape.Event{{
		Offset: offset.Offset{Tx: 3, Op: 1},
		Action: shape.ActionInsert,
		Key:    `"main"."issues"/"3"`,
		Value:  shape.Row{"id": "3", "title": "third"},
	}}))

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.status)
		require.Len(t, res.items, 2)
		assert.Equal(t, "3_1", res.items[0].Offset)
		assert.Equal(t, controlUpToDate, res.items[1].Headers.Control)
		assert.Equal(t, "3_1", res.offset)
	case <-time.After(3 * time.Second):
		t.Fatal("live wait never woke")
	}
}

func TestAPI_LiveWaitTimesOutUpToDate(t *testing.T) {
	f := newFixture(t, Options{LongPoll: 50 * time.Millisecond})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	shapeID := resp.Header.Get("X-Shape-Id")

	resp, items := f.get(t, "/v1/shape/issues?offset=0_0&shape_id="+shapeID+"&live")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, items, 1)
	assert.Equal(t, controlUpToDate, items[0].Headers.Control)
	assert.Equal(t, shapeID, resp.Header.Get("X-Shape-Id"))
	assert.Equal(t, "0_0", resp.Header.Get("X-Shape-Offset"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestAPI_LiveWaitSeesInvalidation(t *testing.T) {
	f := newFixture(t, Options{LongPoll: 5 * time.Second})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	shapeID := resp.Header.Get("X-Shape-Id")

	done := make(chan int, 1)
	go func() {
		r, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=0_0&shape_id=" + shapeID + "&live")
		if err != nil {
			done <- 0
			return
		}
		r.Body.Close()
		done <- r.StatusCode
	}()
	require.Eventually(t, func() bool { return f.disp.Len() == 1 }, 2*time.Second, time.Millisecond)

	del := f.delete(t, "/v1/shape/issues?shape_id="+shapeID)
	require.Equal(t, http.StatusAccepted, del.StatusCode)

	select {
	case status := <-done:
		assert.Equal(t, http.StatusConflict, status)
	case <-time.After(3 * time.Second):
		t.Fatal("live wait never released")
	}
}

func TestAPI_DeleteRestartsShape(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	first := resp.Header.Get("X-Shape-Id")

	del := f.delete(t, "/v1/shape/issues?shape_id="+first)
	require.Equal(t, http.StatusAccepted, del.StatusCode)

	// The old id is dead, a cold subscribe gets a fresh generation
	stale, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=0_0&shape_id=" + first)
	require.NoError(t, err)
	stale.Body.Close()
	assert.Equal(t, http.StatusConflict, stale.StatusCode)

	resp2, items := f.get(t, "/v1/shape/issues?offset=-1")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.NotEqual(t, first, resp2.Header.Get("X-Shape-Id"))
	assert.Len(t, items, 3)

	// Delete requires a matching id
	noID := f.delete(t, "/v1/shape/issues")
	assert.Equal(t, http.StatusBadRequest, noID.StatusCode)
	wrongID := f.delete(t, "/v1/shape/issues?shape_id="+first)
	assert.Equal(t, http.StatusConflict, wrongID.StatusCode)
}

func TestAPI_RetentionRotatesColdAndRestartsResumed(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.get(t, "/v1/shape/issues?offset=-1")
	first := resp.Header.Get("X-Shape-Id")

	require.NoError(t, f.store.Append(first, []shape.Event{{
		Offset: offset.Offset{Tx: 3, Op: 1},
		Action: shape.ActionUpdate,
		Key:    `"main"."issues"/"1"`,
		Value:  shape.Row{"id": "1", "title": "renamed"},
	}}))
	require.NoError(t, f.store.Compact(first, offset.Offset{Tx: 3, Op: 1}))

	// Resumed below the trim: restart
	gone, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=0_0&shape_id=" + first)
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusConflict, gone.StatusCode)

	// Cold subscribe transparently rebuilds the generation
	resp2, items := f.get(t, "/v1/shape/issues?offset=-1")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.NotEqual(t, first, resp2.Header.Get("X-Shape-Id"))
	require.Len(t, items, 3)
	assert.Equal(t, controlUpToDate, items[2].Headers.Control)
}

func TestAPI_AuthGuardsShapeRoutes(t *testing.T) {
	f := newFixture(t, Options{AuthSecret: "s3cret"})

	resp, err := http.Get(f.srv.URL + "/v1/shape/issues?offset=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/shape/issues?offset=-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Shapesync-Secret", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, f.srv.URL+"/v1/shape/issues?offset=-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes
	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
