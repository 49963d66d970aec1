package consumer

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/dispatch"
	"github.com/maxpert/shapesync/feed"
	"github.com/maxpert/shapesync/lifecycle"
	"github.com/maxpert/shapesync/offset"
	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/shapelog"
	"github.com/maxpert/shapesync/snapshot"
	"github.com/maxpert/shapesync/upstream"
)

type fixture struct {
	store  shapelog.Store
	disp   *dispatch.Dispatcher
	mgr    *lifecycle.Manager
	source *feed.MockSource
	router *Router
}

func newFixture(t *testing.T) *fixture {
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
	router := NewRouter()
	mgr := lifecycle.NewManager(registry, store, snapshot.NewBuilder(db, changelog), disp, lifecycle.Options{})
	mgr.SetRelationObserver(router)

	return &fixture{
		store:  store,
		disp:   disp,
		mgr:    mgr,
		source: feed.NewMockSource(),
		router: router,
	}
}

// start runs a consumer over the fixture until the test ends. A nil
// shapes argument wires the fixture manager directly.
func (f *fixture) start(t *testing.T, shapes ShapeRouter) *Consumer {
	t.Helper()
	if shapes == nil {
		shapes = f.mgr
	}
	c, err := New(Config{
		Source:         f.source,
		Store:          f.store,
		Shapes:         shapes,
		Router:         f.router,
		RestartInitial: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func (f *fixture) cursorReached(seq int64) func() bool {
	return func() bool {
		cur, err := f.store.Cursor()
		return err == nil && cur == seq
	}
}

func insOp(seq int64, row shape.Row) feed.Op {
	return feed.Op{Seq: seq, Schema: "main", Table: "issues", Action: shape.ActionInsert, New: row}
}

func updOp(seq int64, old, new shape.Row) feed.Op {
	return feed.Op{Seq: seq, Schema: "main", Table: "issues", Action: shape.ActionUpdate, Old: old, New: new}
}

func TestConsumer_AppliesFeedToShapes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), gen.Watermark)

	f.start(t, nil)
	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{
		insOp(3, shape.Row{"id": "3", "title": "third", "priority": "9"}),
	}})

	require.Eventually(t, f.cursorReached(3), 2*time.Second, time.Millisecond)

	res, err := f.store.ReadAfter(gen.ID, offset.First, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.True(t, ev.Offset.Equal(offset.Offset{Tx: 3, Op: 1}))
	assert.Equal(t, shape.ActionInsert, ev.Action)
	assert.Equal(t, `"main"."issues"/"3"`, ev.Key)
	assert.Equal(t, "third", ev.Value["title"])

	require.Eventually(t, func() bool { return f.source.Commits.Load() >= 1 },
		2*time.Second, time.Millisecond)
}

func TestConsumer_WatermarkSkipsSnapshotOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)

	f.start(t, nil)
	// Seq 2 is already inside the snapshot; only seq 3 may land
	f.source.Push(&feed.Transaction{Seq: 2, Ops: []feed.Op{
		insOp(2, shape.Row{"id": "2", "title": "second", "priority": "1"}),
	}})
	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{
		insOp(3, shape.Row{"id": "3", "title": "third", "priority": "9"}),
	}})

	require.Eventually(t, f.cursorReached(3), 2*time.Second, time.Millisecond)

	res, err := f.store.ReadAfter(gen.ID, offset.First, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.True(t, res.Events[0].Offset.Equal(offset.Offset{Tx: 3, Op: 1}))
}

func TestConsumer_RedeliveryIsHarmless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)

	// As if a crash landed the append but not the cursor advance
	require.NoError(t, f.store.Append(gen.ID, []shape.Event{{
		Offset: offset.Offset{Tx: 3, Op: 1},
		Action: shape.ActionInsert,
		Key:    `"main"."issues"/"3"`,
		Value:  shape.Row{"id": "3", "title": "third", "priority": "9"},
	}}))

	f.start(t, nil)
	txn := &feed.Transaction{Seq: 3, Ops: []feed.Op{
		insOp(3, shape.Row{"id": "3", "title": "third", "priority": "9"}),
	}}
	f.source.Push(txn) // rejected by the log head, cursor still advances
	f.source.Push(txn) // skipped by the cursor outright
	f.source.Push(&feed.Transaction{Seq: 4, Ops: []feed.Op{
		insOp(4, shape.Row{"id": "4", "title": "fourth", "priority": "1"}),
	}})

	require.Eventually(t, func() bool { return f.source.Commits.Load() == 3 },
		2*time.Second, time.Millisecond)

	res, err := f.store.ReadAfter(gen.ID, offset.First, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.True(t, res.Events[0].Offset.Equal(offset.Offset{Tx: 3, Op: 1}))
	assert.True(t, res.Events[1].Offset.Equal(offset.Offset{Tx: 4, Op: 1}))
}

func TestConsumer_RestartsAfterSourceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)

	f.start(t, nil)
	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{
		insOp(3, shape.Row{"id": "3", "title": "third", "priority": "9"}),
	}})
	require.Eventually(t, f.cursorReached(3), 2*time.Second, time.Millisecond)

	f.source.Fail(errors.New("stream reset"))
	f.source.Push(&feed.Transaction{Seq: 4, Ops: []feed.Op{
		insOp(4, shape.Row{"id": "4", "title": "fourth", "priority": "1"}),
	}})

	require.Eventually(t, f.cursorReached(4), 2*time.Second, time.Millisecond)
	res, err := f.store.ReadAfter(gen.ID, offset.First, 0)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
}

type countingShapes struct {
	ShapeRouter
	lookups atomic.Int32
}

func (c *countingShapes) ActiveForTable(schema, table string) []*lifecycle.Generation {
	c.lookups.Add(1)
	return c.ShapeRouter.ActiveForTable(schema, table)
}

func TestConsumer_RouterSkipsUnwatchedRelations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)

	counting := &countingShapes{ShapeRouter: f.mgr}
	f.start(t, counting)

	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{{
		Seq: 3, Schema: "main", Table: "audit_log", Action: shape.ActionInsert,
		New: shape.Row{"id": "1"},
	}}})
	f.source.Push(&feed.Transaction{Seq: 4, Ops: []feed.Op{
		insOp(4, shape.Row{"id": "4", "title": "fourth", "priority": "1"}),
	}})

	require.Eventually(t, f.cursorReached(4), 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), counting.lookups.Load(),
		"unwatched relation must not reach the exact lookup")
}

func TestConsumer_InvalidatesOnUnderivableRowKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "", offset.BeforeAll, "")
	require.NoError(t, err)

	f.start(t, nil)
	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{
		insOp(3, shape.Row{"title": "keyless"}),
	}})

	require.Eventually(t, func() bool { return f.mgr.ActiveShapes() == 0 },
		2*time.Second, time.Millisecond)
	var missing *shapelog.MissingLogError
	_, err = f.store.ReadAfter(gen.ID, offset.BeforeAll, 0)
	require.ErrorAs(t, err, &missing)
}

func TestConsumer_FilteredShapeMoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.mgr.Subscribe(ctx, "issues", "priority > 2", offset.BeforeAll, "")
	require.NoError(t, err)
	res, err := f.store.ReadAfter(gen.ID, offset.BeforeAll, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 1, "snapshot holds only the matching row")

	f.start(t, nil)
	f.source.Push(&feed.Transaction{Seq: 3, Ops: []feed.Op{
		updOp(3,
			shape.Row{"id": "2", "title": "second", "priority": "1"},
			shape.Row{"id": "2", "title": "second", "priority": "8"}),
	}})
	f.source.Push(&feed.Transaction{Seq: 4, Ops: []feed.Op{
		updOp(4,
			shape.Row{"id": "1", "title": "first", "priority": "5"},
			shape.Row{"id": "1", "title": "first", "priority": "0"}),
	}})

	require.Eventually(t, f.cursorReached(4), 2*time.Second, time.Millisecond)

	res, err = f.store.ReadAfter(gen.ID, offset.First, 0)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, shape.ActionInsert, res.Events[0].Action, "row moving into the filter surfaces as insert")
	assert.Equal(t, `"main"."issues"/"2"`, res.Events[0].Key)
	assert.Equal(t, shape.ActionDelete, res.Events[1].Action, "row moving out surfaces as delete")
	assert.Equal(t, `"main"."issues"/"1"`, res.Events[1].Key)
}

func testDef(t *testing.T, where string) *shape.Definition {
	t.Helper()
	def := &shape.Definition{
		Schema: "main",
		Table:  "issues",
		Columns: []shape.Column{
			{Name: "id", Type: "INTEGER", PKOrder: 1},
			{Name: "title", Type: "TEXT"},
			{Name: "priority", Type: "INTEGER"},
		},
		PKColumns: []string{"id"},
	}
	if where != "" {
		p, err := shape.ParsePredicate(shape.DialectSQLite, where)
		require.NoError(t, err)
		def.Filter = p
	}
	return def
}

func TestRenderOp_FilterTransitions(t *testing.T) {
	def := testDef(t, "priority > 2")
	in := shape.Row{"id": "1", "title": "a", "priority": "5"}
	out := shape.Row{"id": "1", "title": "a", "priority": "1"}

	cases := []struct {
		name string
		op   feed.Op
		want []shape.Action
	}{
		{"insert matching", feed.Op{Action: shape.ActionInsert, New: in}, []shape.Action{shape.ActionInsert}},
		{"insert filtered", feed.Op{Action: shape.ActionInsert, New: out}, nil},
		{"delete matching", feed.Op{Action: shape.ActionDelete, Old: in}, []shape.Action{shape.ActionDelete}},
		{"delete filtered", feed.Op{Action: shape.ActionDelete, Old: out}, nil},
		{"update inside", feed.Op{Action: shape.ActionUpdate, Old: in, New: in}, []shape.Action{shape.ActionUpdate}},
		{"update moves in", feed.Op{Action: shape.ActionUpdate, Old: out, New: in}, []shape.Action{shape.ActionInsert}},
		{"update moves out", feed.Op{Action: shape.ActionUpdate, Old: in, New: out}, []shape.Action{shape.ActionDelete}},
		{"update outside", feed.Op{Action: shape.ActionUpdate, Old: out, New: out}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := renderOp(def, tc.op, 7, 1)
			require.NoError(t, err)
			require.Len(t, events, len(tc.want))
			for i, action := range tc.want {
				assert.Equal(t, action, events[i].Action)
			}
		})
	}
}

func TestRenderOp_KeyChangeSplits(t *testing.T) {
	def := testDef(t, "")
	events, err := renderOp(def, feed.Op{
		Action: shape.ActionUpdate,
		Old:    shape.Row{"id": "1", "title": "a"},
		New:    shape.Row{"id": "2", "title": "a"},
	}, 9, 5)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, shape.ActionDelete, events[0].Action)
	assert.Equal(t, `"main"."issues"/"1"`, events[0].Key)
	assert.True(t, events[0].Offset.Equal(offset.Offset{Tx: 9, Op: 5}))
	assert.Equal(t, shape.ActionInsert, events[1].Action)
	assert.Equal(t, `"main"."issues"/"2"`, events[1].Key)
	assert.True(t, events[1].Offset.Equal(offset.Offset{Tx: 9, Op: 6}))
}

func TestRenderOp_MissingKeyColumn(t *testing.T) {
	def := testDef(t, "")
	_, err := renderOp(def, feed.Op{
		Action: shape.ActionInsert,
		New:    shape.Row{"title": "keyless"},
	}, 3, 1)
	var missing *shape.MissingKeyColumnError
	require.ErrorAs(t, err, &missing)
}
