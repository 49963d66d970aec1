package shape

import (
	"fmt"
	"strconv"
	"strings"

	rqlitesql "github.com/rqlite/sql"
	"vitess.io/vitess/go/vt/sqlparser"
)

// Dialect selects which SQL grammar row filters are parsed with.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite3"
	DialectMySQL  Dialect = "mysql"
)

// Global parser instance (reused for efficiency)
var vitessParser *sqlparser.Parser

func init() {
	var err error
	vitessParser, err = sqlparser.New(sqlparser.Options{})
	if err != nil {
		panic("failed to initialize MySQL filter parser: " + err.Error())
	}
}

type compareOp uint8

const (
	opEQ compareOp = iota
	opNE
	opLT
	opLE
	opGT
	opGE
)

var opText = map[compareOp]string{
	opEQ: "=",
	opNE: "!=",
	opLT: "<",
	opLE: "<=",
	opGT: ">",
	opGE: ">=",
}

// flipped maps an operator to its mirror for "literal OP column" input.
var flipped = map[compareOp]compareOp{
	opEQ: opEQ,
	opNE: opNE,
	opLT: opGT,
	opLE: opGE,
	opGT: opLT,
	opGE: opLE,
}

type comparison struct {
	col   string
	op    compareOp
	val   string
	num   float64
	isNum bool
}

// Predicate is a row filter restricted to a structurally evaluable
// subset: conjunctions of column-versus-literal comparisons. The
// restriction is what lets the change consumer decide move-in/move-out
// for filtered shapes without re-querying the upstream database.
type Predicate struct {
	cmps []comparison
}

// ParsePredicate parses a WHERE-clause fragment in the given dialect.
// The returned predicate has raw column names; call Bind before
// evaluating rows against it. Anything outside the supported subset
// comes back as a FilterError.
func ParsePredicate(dialect Dialect, where string) (*Predicate, error) {
	trimmed := strings.TrimSpace(where)
	if trimmed == "" {
		return nil, &FilterError{Where: where, Reason: "empty expression"}
	}

	var (
		cmps []comparison
		err  error
	)
	switch dialect {
	case DialectSQLite:
		cmps, err = parseSQLiteFilter(trimmed)
	case DialectMySQL:
		cmps, err = parseMySQLFilter(trimmed)
	default:
		return nil, &FilterError{Where: where, Reason: fmt.Sprintf("unknown dialect %q", dialect)}
	}
	if err != nil {
		return nil, &FilterError{Where: where, Reason: err.Error()}
	}
	if len(cmps) == 0 {
		return nil, &FilterError{Where: where, Reason: "no comparisons found"}
	}

	return &Predicate{cmps: cmps}, nil
}

// Bind resolves the predicate's column references against the relation's
// columns, case-insensitively, rewriting each to the column's actual
// name. Referencing a column the relation does not have is a
// FilterError.
func (p *Predicate) Bind(columns []Column) error {
	byLower := make(map[string]string, len(columns))
	for _, c := range columns {
		byLower[strings.ToLower(c.Name)] = c.Name
	}

	for i := range p.cmps {
		actual, ok := byLower[strings.ToLower(p.cmps[i].col)]
		if !ok {
			return &FilterError{
				Where:  p.String(),
				Reason: fmt.Sprintf("unknown column %q", p.cmps[i].col),
			}
		}
		p.cmps[i].col = actual
	}

	return nil
}

// Match evaluates the predicate against a row. A comparison on a NULL
// (absent) column never holds, matching SQL WHERE semantics.
func (p *Predicate) Match(row Row) bool {
	for _, c := range p.cmps {
		v, ok := row[c.col]
		if !ok {
			return false
		}
		if !c.eval(v) {
			return false
		}
	}
	return true
}

// Comparison is the exported view of one predicate term, for callers
// that translate the predicate into SQL instead of evaluating rows.
type Comparison struct {
	Col   string
	Op    string
	Str   string
	Num   float64
	IsNum bool
}

// Comparisons returns the predicate's terms. The conjunction of all of
// them is the predicate.
func (p *Predicate) Comparisons() []Comparison {
	out := make([]Comparison, 0, len(p.cmps))
	for _, c := range p.cmps {
		out = append(out, Comparison{
			Col:   c.col,
			Op:    opText[c.op],
			Str:   c.val,
			Num:   c.num,
			IsNum: c.isNum,
		})
	}
	return out
}

// Columns returns the distinct column names the predicate references.
func (p *Predicate) Columns() []string {
	seen := make(map[string]bool, len(p.cmps))
	cols := make([]string, 0, len(p.cmps))
	for _, c := range p.cmps {
		if !seen[c.col] {
			seen[c.col] = true
			cols = append(cols, c.col)
		}
	}
	return cols
}

// String renders the canonical form of the predicate. Equivalent inputs
// in either dialect render identically, so shape keys built from it are
// stable across clients that spell the same filter differently.
func (p *Predicate) String() string {
	var b strings.Builder
	for i, c := range p.cmps {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(c.col)
		b.WriteString(" ")
		b.WriteString(opText[c.op])
		b.WriteString(" ")
		if c.isNum {
			b.WriteString(strconv.FormatFloat(c.num, 'g', -1, 64))
		} else {
			b.WriteString("'")
			b.WriteString(strings.ReplaceAll(c.val, "'", "''"))
			b.WriteString("'")
		}
	}
	return b.String()
}

func (c comparison) eval(v string) bool {
	var ord int
	if c.isNum {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			switch {
			case f < c.num:
				ord = -1
			case f > c.num:
				ord = 1
			}
		} else {
			ord = strings.Compare(v, c.val)
		}
	} else {
		ord = strings.Compare(v, c.val)
	}

	switch c.op {
	case opEQ:
		return ord == 0
	case opNE:
		return ord != 0
	case opLT:
		return ord < 0
	case opLE:
		return ord <= 0
	case opGT:
		return ord > 0
	case opGE:
		return ord >= 0
	}
	return false
}

func newComparison(col string, op compareOp, raw string, quoted bool) comparison {
	c := comparison{col: col, op: op, val: raw}
	if !quoted {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			c.num = f
			c.isNum = true
		}
	}
	return c
}

// parseSQLiteFilter parses the fragment with the rqlite parser by
// wrapping it into a SELECT and walking the extracted WHERE expression.
func parseSQLiteFilter(where string) ([]comparison, error) {
	parser := rqlitesql.NewParser(strings.NewReader("SELECT * FROM t WHERE " + where))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, err
	}

	sel, ok := stmt.(*rqlitesql.SelectStatement)
	if !ok || sel.WhereExpr == nil {
		return nil, fmt.Errorf("not a filter expression")
	}

	return collectSQLite(sel.WhereExpr)
}

func collectSQLite(expr rqlitesql.Expr) ([]comparison, error) {
	switch e := expr.(type) {
	case *rqlitesql.ParenExpr:
		return collectSQLite(e.X)

	case *rqlitesql.BinaryExpr:
		if e.Op == rqlitesql.AND {
			left, err := collectSQLite(e.X)
			if err != nil {
				return nil, err
			}
			right, err := collectSQLite(e.Y)
			if err != nil {
				return nil, err
			}
			return append(left, right...), nil
		}

		op, ok := sqliteOp(e.Op)
		if !ok {
			return nil, fmt.Errorf("unsupported operator %s", e.Op.String())
		}

		if col, ok := sqliteColumnName(e.X); ok {
			raw, quoted, err := sqliteLiteral(e.Y)
			if err != nil {
				return nil, err
			}
			return []comparison{newComparison(col, op, raw, quoted)}, nil
		}

		if col, ok := sqliteColumnName(e.Y); ok {
			raw, quoted, err := sqliteLiteral(e.X)
			if err != nil {
				return nil, err
			}
			return []comparison{newComparison(col, flipped[op], raw, quoted)}, nil
		}

		return nil, fmt.Errorf("comparison must have a column on one side")

	default:
		return nil, fmt.Errorf("only column-literal comparisons joined by AND are supported")
	}
}

func sqliteOp(tok rqlitesql.Token) (compareOp, bool) {
	switch tok {
	case rqlitesql.EQ:
		return opEQ, true
	case rqlitesql.NE:
		return opNE, true
	case rqlitesql.LT:
		return opLT, true
	case rqlitesql.LE:
		return opLE, true
	case rqlitesql.GT:
		return opGT, true
	case rqlitesql.GE:
		return opGE, true
	}
	return 0, false
}

func sqliteColumnName(expr rqlitesql.Expr) (string, bool) {
	switch e := expr.(type) {
	case *rqlitesql.Ident:
		return e.Name, true
	case *rqlitesql.QualifiedRef:
		if e.Column != nil {
			return e.Column.Name, true
		}
	}
	return "", false
}

func sqliteLiteral(expr rqlitesql.Expr) (raw string, quoted bool, err error) {
	switch v := expr.(type) {
	case *rqlitesql.StringLit:
		return v.Value, true, nil
	case *rqlitesql.NumberLit:
		return v.Value, false, nil
	case *rqlitesql.BoolLit:
		if v.Value {
			return "1", false, nil
		}
		return "0", false, nil
	case *rqlitesql.NullLit:
		return "", false, fmt.Errorf("NULL comparisons are not supported")
	default:
		return "", false, fmt.Errorf("comparison value must be a literal")
	}
}

// parseMySQLFilter parses the fragment with the Vitess parser by
// wrapping it into a SELECT and walking the extracted WHERE expression.
func parseMySQLFilter(where string) ([]comparison, error) {
	stmt, err := vitessParser.Parse("select 1 from t where " + where)
	if err != nil {
		return nil, err
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok || sel.Where == nil {
		return nil, fmt.Errorf("not a filter expression")
	}

	return collectMySQL(sel.Where.Expr)
}

func collectMySQL(expr sqlparser.Expr) ([]comparison, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left, err := collectMySQL(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := collectMySQL(e.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case *sqlparser.ComparisonExpr:
		op, ok := mysqlOp(e.Operator)
		if !ok {
			return nil, fmt.Errorf("unsupported operator %s", e.Operator.ToString())
		}

		if col, ok := mysqlColumnName(e.Left); ok {
			raw, quoted, err := mysqlLiteral(e.Right)
			if err != nil {
				return nil, err
			}
			return []comparison{newComparison(col, op, raw, quoted)}, nil
		}

		if col, ok := mysqlColumnName(e.Right); ok {
			raw, quoted, err := mysqlLiteral(e.Left)
			if err != nil {
				return nil, err
			}
			return []comparison{newComparison(col, flipped[op], raw, quoted)}, nil
		}

		return nil, fmt.Errorf("comparison must have a column on one side")

	default:
		return nil, fmt.Errorf("only column-literal comparisons joined by AND are supported")
	}
}

func mysqlOp(op sqlparser.ComparisonExprOperator) (compareOp, bool) {
	switch op {
	case sqlparser.EqualOp:
		return opEQ, true
	case sqlparser.NotEqualOp:
		return opNE, true
	case sqlparser.LessThanOp:
		return opLT, true
	case sqlparser.LessEqualOp:
		return opLE, true
	case sqlparser.GreaterThanOp:
		return opGT, true
	case sqlparser.GreaterEqualOp:
		return opGE, true
	}
	return 0, false
}

func mysqlColumnName(expr sqlparser.Expr) (string, bool) {
	if col, ok := expr.(*sqlparser.ColName); ok {
		return col.Name.String(), true
	}
	return "", false
}

func mysqlLiteral(expr sqlparser.Expr) (raw string, quoted bool, err error) {
	switch v := expr.(type) {
	case *sqlparser.Literal:
		switch v.Type {
		case sqlparser.StrVal:
			return v.Val, true, nil
		case sqlparser.IntVal, sqlparser.FloatVal, sqlparser.DecimalVal:
			return v.Val, false, nil
		default:
			return "", false, fmt.Errorf("unsupported literal type")
		}
	case sqlparser.BoolVal:
		if v {
			return "1", false, nil
		}
		return "0", false, nil
	case *sqlparser.NullVal:
		return "", false, fmt.Errorf("NULL comparisons are not supported")
	default:
		return "", false, fmt.Errorf("comparison value must be a literal")
	}
}
