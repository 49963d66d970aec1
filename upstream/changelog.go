package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/shapesync/shape"
)

// DefaultChangelogTable is where capture triggers record row changes.
const DefaultChangelogTable = "_shapesync_log"

// ChangeRow is one captured row change read back from the changelog.
// Old carries the pre-image (nil for inserts), New the post-image (nil
// for deletes). Seq strictly increases in commit order.
type ChangeRow struct {
	Seq    int64
	Schema string
	Table  string
	Action shape.Action
	Old    shape.Row
	New    shape.Row
}

// Changelog installs and reads the trigger-backed change capture
// table. Triggers serialize each changed row as a json_object so the
// poller can rebuild column→value maps without knowing the table
// layout at read time.
type Changelog struct {
	db    *DB
	table string
	gq    goqu.DialectWrapper
}

// NewChangelog binds a changelog to its capture table. An empty table
// name selects DefaultChangelogTable.
func NewChangelog(db *DB, table string) *Changelog {
	if table == "" {
		table = DefaultChangelogTable
	}
	return &Changelog{
		db:    db,
		table: table,
		gq:    goqu.Dialect(db.driver),
	}
}

// Table returns the capture table name.
func (c *Changelog) Table() string {
	return c.table
}

// Install creates the capture table and per-table triggers for every
// user table matching one of the glob patterns; no patterns captures
// every user table. Re-installation drops and recreates triggers, so
// it also refreshes capture after a schema change. Only the sqlite
// driver can host triggers installed from here.
func (c *Changelog) Install(ctx context.Context, patterns []string) error {
	if c.db.driver != "sqlite3" {
		return fmt.Errorf("changelog installation requires the sqlite3 driver, not %s", c.db.driver)
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		op TEXT NOT NULL,
		old_row TEXT,
		new_row TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`, quoteIdent(c.table))
	if _, err := c.db.write.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create changelog table: %w", err)
	}

	tables, err := c.userTables(ctx)
	if err != nil {
		return err
	}

	installed := 0
	for _, table := range tables {
		if !matchAny(globs, table) {
			continue
		}
		if err := c.installTableTriggers(ctx, table); err != nil {
			return fmt.Errorf("failed to install triggers on %s: %w", table, err)
		}
		installed++
	}

	log.Info().
		Int("tables", installed).
		Str("changelog", c.table).
		Msg("Installed change capture triggers")
	return nil
}

// userTables lists capturable tables, skipping sqlite internals and
// our own bookkeeping tables.
func (c *Changelog) userTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.read.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if strings.HasPrefix(name, "sqlite_") || strings.HasPrefix(name, "_shapesync") || name == c.table {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *Changelog) installTableTriggers(ctx context.Context, table string) error {
	columns, err := c.db.TableColumns(ctx, c.db.defaultSchema, table)
	if err != nil {
		return err
	}

	// Tables without a declared key expose their implicit rowid so
	// downstream row keys stay buildable.
	hasKey := false
	for _, col := range columns {
		if col.PKOrder > 0 {
			hasKey = true
			break
		}
	}
	if !hasKey {
		columns = append([]shape.Column{{Name: "rowid", Type: "INTEGER", PKOrder: 1}}, columns...)
	}

	base := sanitizeIdentifier(table)
	tableLit := sqlStringLit(table)
	logIdent := quoteIdent(c.table)
	tableIdent := quoteIdent(table)

	statements := []string{
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdent("_shapesync_"+base+"_ai")),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s
BEGIN
    INSERT INTO %s(tbl, op, old_row, new_row)
    VALUES (%s, 'insert', NULL, %s);
END`, quoteIdent("_shapesync_"+base+"_ai"), tableIdent, logIdent, tableLit, rowJSON("NEW", columns)),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdent("_shapesync_"+base+"_au")),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s
BEGIN
    INSERT INTO %s(tbl, op, old_row, new_row)
    VALUES (%s, 'update', %s, %s);
END`, quoteIdent("_shapesync_"+base+"_au"), tableIdent, logIdent, tableLit, rowJSON("OLD", columns), rowJSON("NEW", columns)),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdent("_shapesync_"+base+"_ad")),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s
BEGIN
    INSERT INTO %s(tbl, op, old_row, new_row)
    VALUES (%s, 'delete', %s, NULL);
END`, quoteIdent("_shapesync_"+base+"_ad"), tableIdent, logIdent, tableLit, rowJSON("OLD", columns)),
	}

	for _, stmt := range statements {
		if _, err := c.db.write.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rowJSON renders a json_object expression over every column of the
// NEW or OLD row. Blob values are hex-encoded since json_object cannot
// carry them raw.
func rowJSON(alias string, columns []shape.Column) string {
	parts := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		ref := alias + "." + quoteIdent(col.Name)
		parts = append(parts, sqlStringLit(col.Name),
			fmt.Sprintf("CASE WHEN typeof(%s) = 'blob' THEN lower(hex(%s)) ELSE %s END", ref, ref, ref))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// Poll reads up to limit captured changes with seq > after, in seq
// order. The rows visible to one poll are whole committed transactions
// in commit order.
func (c *Changelog) Poll(ctx context.Context, after int64, limit int) ([]ChangeRow, error) {
	query, args, err := c.gq.From(goqu.T(c.table)).
		Select("seq", "tbl", "op", "old_row", "new_row").
		Where(goqu.C("seq").Gt(after)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build changelog query: %w", err)
	}

	rows, err := c.db.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to poll changelog: %w", err)
	}
	defer rows.Close()

	var changes []ChangeRow
	for rows.Next() {
		var seq int64
		var table, op string
		var oldJSON, newJSON sql.NullString
		if err := rows.Scan(&seq, &table, &op, &oldJSON, &newJSON); err != nil {
			return nil, fmt.Errorf("failed to scan changelog row: %w", err)
		}

		change := ChangeRow{
			Seq:    seq,
			Schema: c.db.defaultSchema,
			Table:  table,
			Action: shape.Action(op),
		}
		if oldJSON.Valid {
			if change.Old, err = decodeRow(oldJSON.String); err != nil {
				return nil, fmt.Errorf("bad pre-image at seq %d: %w", seq, err)
			}
		}
		if newJSON.Valid {
			if change.New, err = decodeRow(newJSON.String); err != nil {
				return nil, fmt.Errorf("bad post-image at seq %d: %w", seq, err)
			}
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// MaxSeq reads the highest captured seq through q, so a snapshot read
// transaction sees the position consistent with its scan. Returns 0 on
// an empty changelog.
func (c *Changelog) MaxSeq(ctx context.Context, q Queryer) (int64, error) {
	query, _, err := c.gq.From(goqu.T(c.table)).
		Select(goqu.COALESCE(goqu.MAX(goqu.C("seq")), 0)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build max seq query: %w", err)
	}

	var seq int64
	if err := q.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read changelog position: %w", err)
	}
	return seq, nil
}

// Prune deletes consumed rows with seq <= upTo. Callers prune only
// after the consumer's cursor is durably past upTo.
func (c *Changelog) Prune(ctx context.Context, upTo int64) error {
	query, args, err := c.gq.Delete(goqu.T(c.table)).
		Where(goqu.C("seq").Lte(upTo)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build prune query: %w", err)
	}
	if _, err := c.db.write.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune changelog: %w", err)
	}
	return nil
}

// decodeRow turns a trigger-written json_object into a row map. NULL
// columns stay absent; numbers keep their literal rendering.
func decodeRow(s string) (shape.Row, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	row := make(shape.Row, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case nil:
		case string:
			row[name] = v
		case json.Number:
			row[name] = v.String()
		case bool:
			if v {
				row[name] = "1"
			} else {
				row[name] = "0"
			}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			row[name] = string(b)
		}
	}
	return row, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	replacer := strings.NewReplacer(".", "_", "-", "_", `"`, "_", " ", "_")
	return replacer.Replace(name)
}

// sqlStringLit renders s as a single-quoted SQL string literal.
func sqlStringLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
