// Package upstream owns access to the source database: connection
// management, schema introspection with key columns in constraint
// order, and the trigger-backed changelog that turns committed writes
// into a pollable change stream.
package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/maxpert/shapesync/cfg"
	"github.com/maxpert/shapesync/shape"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeoutMS = 5000

// Queryer is the read subset of database/sql shared by *sql.DB and
// *sql.Tx. Snapshot scans pass their read transaction so the scan and
// its changelog position marker observe the same database state.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB holds the connections to the source database. Changelog
// installation and pruning go through a single-connection write pool;
// introspection, snapshot scans and changelog polls go through a small
// read pool.
type DB struct {
	write         *sql.DB
	read          *sql.DB
	driver        string
	defaultSchema string
}

// Ensure DB satisfies the registry's schema lookup
var _ shape.SchemaSource = (*DB)(nil)

// Open connects to the upstream database named by the configuration.
func Open(conf *cfg.UpstreamConfiguration) (*DB, error) {
	switch conf.Driver {
	case "sqlite3":
		return openSQLite(conf.DSN)
	case "mysql":
		return openMySQL(conf.DSN)
	default:
		return nil, fmt.Errorf("unsupported upstream driver: %s", conf.Driver)
	}
}

func openSQLite(path string) (*DB, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection)
	writeDSN := path
	if !isMemoryDB {
		if strings.Contains(writeDSN, "?") {
			writeDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool (4 connections)
	readDSN := path
	if !isMemoryDB {
		if strings.Contains(readDSN, "?") {
			readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		} else {
			readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		}
	}

	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open upstream read connection: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	for _, db := range []*sql.DB{writeDB, readDB} {
		if !isMemoryDB {
			if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
			}
			if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
			}
			if _, err := db.Exec("PRAGMA cache_size=-16000"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set cache size: %w", err)
			}
			if _, err := db.Exec("PRAGMA temp_store=MEMORY"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set temp store: %w", err)
			}
		}
	}

	return &DB{
		write:         writeDB,
		read:          readDB,
		driver:        "sqlite3",
		defaultSchema: "main",
	}, nil
}

func openMySQL(dsn string) (*DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream mysql connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	var schema sql.NullString
	if err := db.QueryRow("SELECT DATABASE()").Scan(&schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve current database: %w", err)
	}
	if !schema.Valid || schema.String == "" {
		db.Close()
		return nil, fmt.Errorf("mysql dsn must select a database")
	}

	return &DB{
		write:         db,
		read:          db,
		driver:        "mysql",
		defaultSchema: schema.String,
	}, nil
}

// Dialect reports which SQL grammar the upstream speaks.
func (d *DB) Dialect() shape.Dialect {
	if d.driver == "mysql" {
		return shape.DialectMySQL
	}
	return shape.DialectSQLite
}

// DefaultSchema is "main" for sqlite and the DSN's database for mysql.
func (d *DB) DefaultSchema() string {
	return d.defaultSchema
}

// Read returns the read connection pool.
func (d *DB) Read() *sql.DB {
	return d.read
}

// Write returns the write connection.
func (d *DB) Write() *sql.DB {
	return d.write
}

// BeginRead opens a deferred transaction on the read pool. The sqlite
// driver rejects read-only TxOptions, so the transaction is plain; it
// pins its consistent view at the first read and callers must only
// read through it.
func (d *DB) BeginRead(ctx context.Context) (*sql.Tx, error) {
	return d.read.BeginTx(ctx, nil)
}

// TableColumns introspects one relation and returns its columns with
// key positions taken from the primary key constraint, not from column
// declaration order. Unknown relations return *shape.TableNotFoundError.
func (d *DB) TableColumns(ctx context.Context, schema, table string) ([]shape.Column, error) {
	if d.driver == "mysql" {
		return d.mysqlTableColumns(ctx, schema, table)
	}
	return d.sqliteTableColumns(ctx, schema, table)
}

func (d *DB) sqliteTableColumns(ctx context.Context, schema, table string) ([]shape.Column, error) {
	query := fmt.Sprintf("PRAGMA %s.table_info(%s)", quoteIdent(schema), quoteIdent(table))
	rows, err := d.read.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query table info: %w", err)
	}
	defer rows.Close()

	var columns []shape.Column
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, shape.Column{
			Name:     name,
			Type:     colType,
			Nullable: notNull == 0,
			PKOrder:  pk,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column info: %w", err)
	}

	// PRAGMA table_info yields no rows for a missing table, not an error
	if len(columns) == 0 {
		return nil, &shape.TableNotFoundError{Table: table}
	}
	return columns, nil
}

func (d *DB) mysqlTableColumns(ctx context.Context, schema, table string) ([]shape.Column, error) {
	rows, err := d.read.QueryContext(ctx, `
		SELECT c.COLUMN_NAME, c.COLUMN_TYPE, c.IS_NULLABLE, COALESCE(k.ORDINAL_POSITION, 0)
		FROM information_schema.COLUMNS c
		LEFT JOIN information_schema.KEY_COLUMN_USAGE k
		  ON k.TABLE_SCHEMA = c.TABLE_SCHEMA
		 AND k.TABLE_NAME = c.TABLE_NAME
		 AND k.COLUMN_NAME = c.COLUMN_NAME
		 AND k.CONSTRAINT_NAME = 'PRIMARY'
		WHERE c.TABLE_SCHEMA = ? AND c.TABLE_NAME = ?
		ORDER BY c.ORDINAL_POSITION
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query information_schema: %w", err)
	}
	defer rows.Close()

	var columns []shape.Column
	for rows.Next() {
		var name, colType, nullable string
		var pkOrder int
		if err := rows.Scan(&name, &colType, &nullable, &pkOrder); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, shape.Column{
			Name:     name,
			Type:     colType,
			Nullable: nullable == "YES",
			PKOrder:  pkOrder,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column info: %w", err)
	}

	if len(columns) == 0 {
		return nil, &shape.TableNotFoundError{Table: table}
	}
	return columns, nil
}

// Close closes both connection pools.
func (d *DB) Close() error {
	var writeErr, readErr error
	if d.write != nil {
		writeErr = d.write.Close()
	}
	if d.read != nil && d.read != d.write {
		readErr = d.read.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// quoteIdent double-quotes an identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
