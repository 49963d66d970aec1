package test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResumeAcrossRestart restarts the serving side over the same data
// directory and verifies a client resumes its shape at its old offset
// without a restart round trip.
func TestResumeAcrossRestart(t *testing.T) {
	h := newPipeline(t, `CREATE TABLE tasks (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL
	)`)

	h.exec(`INSERT INTO tasks (id, title) VALUES (1, 'first'), (2, 'second')`)

	batch, err := h.fetch("/v1/shape/tasks?offset=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, batch.Status)
	require.Len(t, batch.events(), 2)

	shapeID := batch.ShapeID

	t.Log("Advancing the client past a live write...")
	h.exec(`INSERT INTO tasks (id, title) VALUES (3, 'third')`)
	events, off, err := h.follow("tasks", "", shapeID, batch.Offset, 1, propagationTimeout)
	require.NoError(t, err)
	require.Equal(t, `"main"."tasks"/"3"`, events[0].Key)

	t.Log("Restarting the pipeline...")
	h.restart()

	resumed, err := h.fetch(fmt.Sprintf("/v1/shape/tasks?offset=%s&shape_id=%s", off, shapeID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resumed.Status, "resume after restart must not force a shape restart")
	require.Equal(t, shapeID, resumed.ShapeID)
	require.Empty(t, resumed.events())
	require.Equal(t, 1, h.manager.ActiveShapes())

	t.Log("Writing after the restart...")
	h.exec(`INSERT INTO tasks (id, title) VALUES (4, 'fourth')`)
	events, _, err = h.follow("tasks", "", shapeID, off, 1, propagationTimeout)
	require.NoError(t, err)
	require.Equal(t, "insert", events[0].Headers.Action)
	require.Equal(t, `"main"."tasks"/"4"`, events[0].Key)

	t.Log("Re-reading the whole log for duplicates...")
	full, err := h.fetch("/v1/shape/tasks?offset=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, full.Status)
	require.Equal(t, shapeID, full.ShapeID, "same definition must join the restored shape")

	counts := make(map[string]int)
	for _, ev := range full.events() {
		if ev.Headers.Action == "insert" {
			counts[ev.Key]++
		}
	}
	require.Len(t, counts, 4)
	for key, n := range counts {
		require.Equal(t, 1, n, "row %s inserted %d times across restart", key, n)
	}
}
