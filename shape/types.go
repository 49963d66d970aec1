// Package shape defines what a synchronized view of a table is: the
// validated definition (root relation, optional row filter, ordered key
// columns), the change events that flow through its log, and the registry
// that resolves request parameters into definitions against live schema
// metadata.
package shape

import (
	"strings"

	"github.com/maxpert/shapesync/offset"
)

// Action classifies a change event.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Row is a column→string mapping of one table row. A column absent from
// the map is NULL. All values travel as strings regardless of the
// upstream column type; the upstream layer stringifies them once at
// capture time.
type Row map[string]string

// Event is one entry in a shape log.
type Event struct {
	Offset offset.Offset `msgpack:"o"`
	Action Action        `msgpack:"a"`
	Key    string        `msgpack:"k"`
	Value  Row           `msgpack:"v"`
}

// Column holds metadata for a single column of a shape's root relation.
// PKOrder is the 1-based position within the primary key constraint,
// 0 for non-key columns. The constraint's declared order may differ from
// column declaration order; PKOrder is authoritative.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	PKOrder  int
}

// Definition is an immutable description of a shape: which rows of which
// relation it tracks. Build definitions through Registry.Resolve, never
// by hand outside tests.
type Definition struct {
	Schema string
	Table  string

	// Filter is nil for unfiltered shapes.
	Filter *Predicate

	Columns []Column

	// PKColumns lists key column names in the constraint's declared
	// order. Row keys are built from it; reordering it changes the
	// identity of every row.
	PKColumns []string
}

// Key returns the stable shape key for this definition. Two definitions
// with the same relation and an equivalent filter share a key.
func (d *Definition) Key() string {
	var b strings.Builder
	b.WriteString(d.Schema)
	b.WriteString(".")
	b.WriteString(d.Table)
	if d.Filter != nil {
		b.WriteString("?where=")
		b.WriteString(d.Filter.String())
	}
	return b.String()
}

// RowKey builds the canonical identity of one row: quoted schema, table
// and the key column values in declared PK order. Two events for the
// same logical row always produce the same key no matter which columns
// changed or how the source statement ordered them.
func (d *Definition) RowKey(row Row) (string, error) {
	var b strings.Builder
	writeKeySegment(&b, d.Schema)
	b.WriteString(".")
	writeKeySegment(&b, d.Table)

	for _, col := range d.PKColumns {
		v, ok := row[col]
		if !ok {
			return "", &MissingKeyColumnError{Table: d.Table, Column: col}
		}
		b.WriteString("/")
		writeKeySegment(&b, v)
	}

	return b.String(), nil
}

// MatchRow reports whether the row passes the definition's filter.
// Unfiltered definitions match everything.
func (d *Definition) MatchRow(row Row) bool {
	if d.Filter == nil {
		return true
	}
	return d.Filter.Match(row)
}

// ColumnNames returns the column names in declaration order.
func (d *Definition) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		names = append(names, c.Name)
	}
	return names
}

func writeKeySegment(b *strings.Builder, s string) {
	b.WriteString(`"`)
	b.WriteString(strings.ReplaceAll(s, `"`, `""`))
	b.WriteString(`"`)
}
