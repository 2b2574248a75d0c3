// Package sqlstore persists the library in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"locallibrary/internal/eventstore"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	loanEventsTable = "loan_events"

	// sqliteDriver is go-sqlite3 with unicode_lower registered on every
	// connection. SQLite's own LOWER only folds ASCII.
	sqliteDriver = "sqlite3_library"
)

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
		},
	})
}

// Store implements the catalog, circulation and account repositories on
// one SQL database.
type Store struct {
	db      *sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
	events  *eventstore.EventStore
	logger  *slog.Logger
}

// Open connects to the database and checks the connection. SQLite DSNs get
// foreign keys and a busy timeout switched on.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; avoids SQLITE_BUSY under concurrent requests
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, logger), nil
}

func openDB(driver, dsn string) (*sqlx.DB, error) {
	if driver != DriverSQLite {
		return sqlx.Open(driver, dsn)
	}
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, err
	}
	// keep the public driver name so goqu and the event store pick the
	// sqlite3 dialect
	return sqlx.NewDb(db, DriverSQLite), nil
}

func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "_foreign_keys") {
		dsn += sep + "_foreign_keys=1"
		sep = "&"
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		dsn += sep + "_busy_timeout=5000"
	}
	return dsn
}

// New wraps an open connection. The goqu dialect follows the driver name.
// SQLite connections must come from Open, which registers the functions
// that text search relies on.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	driver := db.DriverName()
	return &Store{
		db:      db,
		driver:  driver,
		dialect: goqu.Dialect(driver),
		events:  eventstore.NewEventStore(driver, eventstore.WithTableName(loanEventsTable)),
		logger:  logger,
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// exec builds and runs a goqu statement.
func (s *Store) exec(ctx context.Context, db sqlx.ExecerContext, stmt interface {
	ToSQL() (string, []interface{}, error)
}) (int64, error) {
	query, args, err := stmt.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// get builds a goqu select and scans one row into dest.
func (s *Store) get(ctx context.Context, db sqlx.QueryerContext, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.GetContext(ctx, db, dest, query, args...)
}

// selectAll builds a goqu select and scans every row into dest.
func (s *Store) selectAll(ctx context.Context, db sqlx.QueryerContext, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, db, dest, query, args...)
}

// count runs SELECT COUNT(*) over ds.
func (s *Store) count(ctx context.Context, db sqlx.QueryerContext, ds *goqu.SelectDataset) (int, error) {
	var n int
	if err := s.get(ctx, db, &n, ds.Select(goqu.COUNT(goqu.Star()))); err != nil {
		return 0, err
	}
	return n, nil
}

// containsLower matches rows whose lowercased column contains token. Tokens
// are folded with strings.ToLower, so SQLite folds columns the same way.
func (s *Store) containsLower(col, token string) goqu.Expression {
	if s.driver == DriverPostgres {
		return goqu.L("strpos(LOWER(?), ?) > 0", goqu.I(col), token)
	}
	return goqu.L("instr(unicode_lower(?), ?) > 0", goqu.I(col), token)
}
