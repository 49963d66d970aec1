package shape

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Cache size for resolved definitions
const definitionCacheSize = 1024

// SchemaSource supplies live column metadata for a relation.
// Implementations return *TableNotFoundError when the relation does not
// exist.
type SchemaSource interface {
	TableColumns(ctx context.Context, schema, table string) ([]Column, error)
}

// Registry resolves request parameters (table, optional filter) into
// validated shape definitions. Resolution hits the upstream schema once
// per distinct request and is cached after that; Invalidate drops the
// cached entries for a table when its schema changes.
type Registry struct {
	source        SchemaSource
	dialect       Dialect
	defaultSchema string
	allow         []glob.Glob
	cache         *lru.Cache[uint64, *Definition]
}

// NewRegistry builds a registry. tablePatterns is the exposure
// allowlist: a relation must match at least one glob to be resolvable.
func NewRegistry(source SchemaSource, dialect Dialect, defaultSchema string, tablePatterns []string) (*Registry, error) {
	allow := make([]glob.Glob, 0, len(tablePatterns))
	for _, pattern := range tablePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		allow = append(allow, g)
	}

	cache, err := lru.New[uint64, *Definition](definitionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}

	return &Registry{
		source:        source,
		dialect:       dialect,
		defaultSchema: defaultSchema,
		allow:         allow,
		cache:         cache,
	}, nil
}

// Resolve validates table and optional filter into a Definition.
// table may carry a schema qualifier ("schema.table"); without one the
// registry's default schema applies.
func (r *Registry) Resolve(ctx context.Context, table, where string) (*Definition, error) {
	schema := r.defaultSchema
	if s, t, found := strings.Cut(table, "."); found {
		schema, table = s, t
	}

	if table == "" {
		return nil, &TableNotFoundError{Table: table}
	}

	if !r.exposed(table) {
		return nil, &BlockedTableError{Table: table}
	}

	cacheKey := xxhash.Sum64String(schema + "\x00" + table + "\x00" + where)
	if def, ok := r.cache.Get(cacheKey); ok {
		return def, nil
	}

	columns, err := r.source.TableColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, &TableNotFoundError{Table: table}
	}

	pkColumns, columns, err := orderedKeyColumns(r.dialect, table, columns)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Schema:    schema,
		Table:     table,
		Columns:   columns,
		PKColumns: pkColumns,
	}

	if where != "" {
		pred, err := ParsePredicate(r.dialect, where)
		if err != nil {
			return nil, err
		}
		if err := pred.Bind(columns); err != nil {
			return nil, err
		}
		def.Filter = pred
	}

	r.cache.Add(cacheKey, def)
	log.Debug().Str("shape_key", def.Key()).Int("columns", len(columns)).Msg("Resolved shape definition")
	return def, nil
}

// Invalidate drops every cached definition for a table. Call it when
// the table's schema changed; the next Resolve re-reads metadata.
func (r *Registry) Invalidate(table string) {
	for _, key := range r.cache.Keys() {
		if def, ok := r.cache.Peek(key); ok && strings.EqualFold(def.Table, table) {
			r.cache.Remove(key)
		}
	}
}

func (r *Registry) exposed(table string) bool {
	if len(r.allow) == 0 {
		return true
	}
	for _, g := range r.allow {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// orderedKeyColumns extracts key column names sorted by their declared
// position in the primary key constraint. Tables without a primary key
// fall back to the implicit rowid on sqlite; on mysql they are rejected.
func orderedKeyColumns(dialect Dialect, table string, columns []Column) ([]string, []Column, error) {
	keyed := make([]Column, 0, 2)
	for _, c := range columns {
		if c.PKOrder > 0 {
			keyed = append(keyed, c)
		}
	}

	if len(keyed) == 0 {
		if dialect != DialectSQLite {
			return nil, nil, &NoKeyError{Table: table}
		}
		columns = append(columns, Column{Name: "rowid", Type: "INTEGER", PKOrder: 1})
		return []string{"rowid"}, columns, nil
	}

	sort.Slice(keyed, func(i, j int) bool {
		return keyed[i].PKOrder < keyed[j].PKOrder
	})

	names := make([]string, 0, len(keyed))
	for _, c := range keyed {
		names = append(names, c.Name)
	}

	return names, columns, nil
}
