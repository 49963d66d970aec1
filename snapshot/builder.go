// Package snapshot captures a shape's current rows together with the
// upstream position the capture is valid at.
package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/shape"
	"github.com/maxpert/shapesync/upstream"
)

// Result holds one consistent capture. Every change recorded in the
// changelog at or below Marker is already reflected in Rows; everything
// above it arrives through the feed.
type Result struct {
	Rows   []shape.Row
	Marker int64
}

// Builder scans shape rows under a single read transaction so the row
// set and the marker describe the same database state.
type Builder struct {
	db        *upstream.DB
	changelog *upstream.Changelog
	gq        goqu.DialectWrapper
}

func NewBuilder(db *upstream.DB, changelog *upstream.Changelog) *Builder {
	return &Builder{
		db:        db,
		changelog: changelog,
		gq:        goqu.Dialect(string(db.Dialect())),
	}
}

// Build runs the snapshot scan for the definition. Rows come back in
// key-column order so repeated snapshots of unchanged data are
// byte-for-byte identical.
func (b *Builder) Build(ctx context.Context, def *shape.Definition) (*Result, error) {
	query, err := b.buildQuery(def)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginRead(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot read: %w", err)
	}
	defer tx.Rollback()

	marker, err := b.changelog.MaxSeq(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot marker: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("snapshot scan of %s failed: %w", def.Key(), err)
	}
	defer rows.Close()

	names := def.ColumnNames()
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var out []shape.Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("snapshot scan of %s failed: %w", def.Key(), err)
		}
		row := make(shape.Row, len(names))
		for i, name := range names {
			if s, ok := stringifyValue(vals[i]); ok {
				row[name] = s
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot scan of %s failed: %w", def.Key(), err)
	}

	log.Debug().
		Str("shape", def.Key()).
		Int("rows", len(out)).
		Int64("marker", marker).
		Msg("Snapshot scan complete")

	return &Result{Rows: out, Marker: marker}, nil
}

func (b *Builder) buildQuery(def *shape.Definition) (string, error) {
	cols := make([]any, 0, len(def.Columns))
	for _, col := range def.Columns {
		cols = append(cols, b.columnExpr(col))
	}

	ds := b.gq.From(goqu.S(def.Schema).Table(def.Table)).Select(cols...)

	if def.Filter != nil {
		where, err := filterExpressions(def.Filter)
		if err != nil {
			return "", err
		}
		ds = ds.Where(where...)
	}

	order := make([]exp.OrderedExpression, 0, len(def.PKColumns))
	for _, pk := range def.PKColumns {
		order = append(order, goqu.C(pk).Asc())
	}
	ds = ds.Order(order...)

	query, _, err := ds.ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build snapshot query for %s: %w", def.Key(), err)
	}
	return query, nil
}

// columnExpr picks the select expression per column. Blob values are
// hex encoded in SQL with the same expression the changelog triggers
// use, so a cell renders identically whether a client first sees it in
// the snapshot or in a live event.
func (b *Builder) columnExpr(col shape.Column) any {
	if b.db.Dialect() == shape.DialectSQLite {
		// sqlite types the value, not the column, so the check has to
		// happen per row.
		c := goqu.C(col.Name)
		return goqu.Case().
			When(goqu.Func("typeof", c).Eq("blob"), goqu.Func("lower", goqu.Func("hex", c))).
			Else(c)
	}
	if isBinaryType(col.Type) {
		return goqu.Func("lower", goqu.Func("hex", goqu.C(col.Name)))
	}
	return goqu.C(col.Name)
}

func filterExpressions(p *shape.Predicate) ([]goqu.Expression, error) {
	terms := p.Comparisons()
	out := make([]goqu.Expression, 0, len(terms))
	for _, t := range terms {
		var val any
		if t.IsNum {
			val = t.Num
		} else {
			val = t.Str
		}
		col := goqu.C(t.Col)
		switch t.Op {
		case "=":
			out = append(out, col.Eq(val))
		case "!=":
			out = append(out, col.Neq(val))
		case "<":
			out = append(out, col.Lt(val))
		case "<=":
			out = append(out, col.Lte(val))
		case ">":
			out = append(out, col.Gt(val))
		case ">=":
			out = append(out, col.Gte(val))
		default:
			return nil, fmt.Errorf("unsupported filter operator %q", t.Op)
		}
	}
	return out, nil
}

func isBinaryType(colType string) bool {
	switch colType {
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary":
		return true
	}
	return false
}

func stringifyValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case bool:
		if val {
			return "1", true
		}
		return "0", true
	case time.Time:
		return val.Format("2006-01-02 15:04:05"), true
	default:
		return fmt.Sprint(val), true
	}
}
