package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial keyspace tables
// 1 - Added meta table for the process secret
const currentSchemaVersion = 1

// SQLite is the default Driver. Each keyspace is a WITHOUT ROWID table
// keyed by BLOB, so range scans walk the primary key in byte order.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// gives read-your-writes ordering across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the meta table to databases created before it existed.
// New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   BLOB PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// table maps a keyspace to its table name. Only known keyspaces are ever
// interpolated into SQL.
func table(ks Keyspace) (string, error) {
	if !knownKeyspace(ks) {
		return "", fmt.Errorf("unknown keyspace %q", ks)
	}
	return string(ks), nil
}

// Get implements Driver.
func (s *SQLite) Get(ctx context.Context, ks Keyspace, key []byte) ([]byte, bool, error) {
	t, err := table(ks)
	if err != nil {
		return nil, false, err
	}

	var value []byte
	err = s.db.QueryRowContext(ctx, "SELECT value FROM "+t+" WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", ks, err)
	}
	return value, true, nil
}

// Scan implements Driver.
func (s *SQLite) Scan(ctx context.Context, ks Keyspace, prefix, after []byte, limit int) ([]Entry, error) {
	t, err := table(ks)
	if err != nil {
		return nil, err
	}

	// go-sqlite3 binds a nil []byte as NULL, so absent bounds are left out
	// of the query instead of being passed as empty values.
	var (
		where []string
		args  []any
	)
	start, exclusive := scanStart(prefix, after)
	if len(start) > 0 {
		if exclusive {
			where = append(where, "key > ?")
		} else {
			where = append(where, "key >= ?")
		}
		args = append(args, start)
	}
	if end := prefixEnd(prefix); end != nil {
		where = append(where, "key < ?")
		args = append(args, end)
	}

	query := "SELECT key, value FROM " + t
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY key ASC LIMIT ?"
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ks, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ks, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", ks, err)
	}
	return entries, nil
}

// Commit implements Driver. All ops run in one transaction.
func (s *SQLite) Commit(ctx context.Context, ops []Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		t, err := table(op.Keyspace)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if op.Delete {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t+" WHERE key = ?", op.Key); err != nil {
				return fmt.Errorf("commit: delete %s: %w", op.Keyspace, err)
			}
			continue
		}
		value := op.Value
		if value == nil {
			value = []byte{}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO "+t+" (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			op.Key, value)
		if err != nil {
			return fmt.Errorf("commit: put %s: %w", op.Keyspace, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
