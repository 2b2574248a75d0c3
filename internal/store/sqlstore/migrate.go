package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"locallibrary/internal/eventstore"
)

const schemaVersion = 1

// Migrate brings the schema up to date. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		s.logger.Debug("schema up to date", "version", current)
		return nil
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schema(s.driver) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		upsert := tx.Rebind(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
		if _, err := tx.ExecContext(ctx, upsert, fmt.Sprint(schemaVersion)); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		s.logger.Info("schema migrated", "from", current, "to", schemaVersion, "driver", s.driver)
		return nil
	})
}

// SchemaVersion reports the applied schema version, 0 for a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM meta WHERE key = 'schema_version'`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscan(value, &v); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}

func schema(driver string) []string {
	if driver == DriverPostgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id UUID PRIMARY KEY,
				username VARCHAR(150) NOT NULL UNIQUE,
				email TEXT NOT NULL DEFAULT '',
				first_name VARCHAR(150) NOT NULL DEFAULT '',
				last_name VARCHAR(150) NOT NULL DEFAULT '',
				password_hash TEXT NOT NULL,
				salt TEXT NOT NULL,
				is_staff BOOLEAN NOT NULL DEFAULT FALSE,
				is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
				permissions TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS profiles (
				account_id UUID PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
				phone_number VARCHAR(10) NOT NULL DEFAULT '',
				picture TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS authors (
				id UUID PRIMARY KEY,
				first_name VARCHAR(100) NOT NULL,
				last_name VARCHAR(100) NOT NULL,
				date_of_birth DATE,
				date_of_death DATE,
				picture TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS genres (
				id UUID PRIMARY KEY,
				name VARCHAR(200) NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS books (
				id UUID PRIMARY KEY,
				title VARCHAR(200) NOT NULL,
				author_id UUID REFERENCES authors(id) ON DELETE SET NULL,
				summary VARCHAR(1000) NOT NULL DEFAULT '',
				isbn VARCHAR(13) NOT NULL DEFAULT '',
				picture TEXT NOT NULL DEFAULT '',
				file TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS book_genres (
				book_id UUID NOT NULL REFERENCES books(id) ON DELETE CASCADE,
				genre_id UUID NOT NULL REFERENCES genres(id) ON DELETE CASCADE,
				PRIMARY KEY (book_id, genre_id)
			)`,
			`CREATE TABLE IF NOT EXISTS book_instances (
				id UUID PRIMARY KEY,
				book_id UUID REFERENCES books(id) ON DELETE SET NULL,
				imprint VARCHAR(200) NOT NULL DEFAULT '',
				due_back DATE,
				borrower_id UUID REFERENCES accounts(id) ON DELETE SET NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'maintenance',
				version INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_book_instances_status_due ON book_instances (status, due_back)`,
			`CREATE INDEX IF NOT EXISTS idx_book_instances_borrower ON book_instances (borrower_id)`,
			`CREATE INDEX IF NOT EXISTS idx_books_title ON books (title)`,
			`CREATE INDEX IF NOT EXISTS idx_authors_name ON authors (last_name, first_name)`,
			eventstore.Schema(DriverPostgres, loanEventsTable),
		}
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			is_staff BOOLEAN NOT NULL DEFAULT 0,
			is_superuser BOOLEAN NOT NULL DEFAULT 0,
			permissions TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			account_id TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			phone_number TEXT NOT NULL DEFAULT '',
			picture TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS authors (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			date_of_birth DATE,
			date_of_death DATE,
			picture TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS genres (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author_id TEXT REFERENCES authors(id) ON DELETE SET NULL,
			summary TEXT NOT NULL DEFAULT '',
			isbn TEXT NOT NULL DEFAULT '',
			picture TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS book_genres (
			book_id TEXT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
			genre_id TEXT NOT NULL REFERENCES genres(id) ON DELETE CASCADE,
			PRIMARY KEY (book_id, genre_id)
		)`,
		`CREATE TABLE IF NOT EXISTS book_instances (
			id TEXT PRIMARY KEY,
			book_id TEXT REFERENCES books(id) ON DELETE SET NULL,
			imprint TEXT NOT NULL DEFAULT '',
			due_back DATE,
			borrower_id TEXT REFERENCES accounts(id) ON DELETE SET NULL,
			status TEXT NOT NULL DEFAULT 'maintenance',
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_book_instances_status_due ON book_instances (status, due_back)`,
		`CREATE INDEX IF NOT EXISTS idx_book_instances_borrower ON book_instances (borrower_id)`,
		`CREATE INDEX IF NOT EXISTS idx_books_title ON books (title)`,
		`CREATE INDEX IF NOT EXISTS idx_authors_name ON authors (last_name, first_name)`,
		eventstore.Schema(DriverSQLite, loanEventsTable),
	}
}
