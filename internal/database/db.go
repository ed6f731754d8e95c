// Package database opens the SQLite price store with the pragmas and
// connection-pool settings suited to a read-mostly analytics workload.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the price-store connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating directories as needed) the SQLite database at path.
// file: URIs pass through untouched so tests can use in-memory databases.
func Open(path string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		path = absPath
	}

	conn, err := sql.Open("sqlite", connectionString(path))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// The engine reads far more than it writes; a small pool is plenty.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database %s: %w", path, err)
	}

	return &DB{conn: conn, path: path}, nil
}

// connectionString appends the WAL and cache pragmas used for price reads.
func connectionString(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=temp_store(MEMORY)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// Conn returns the underlying sql.DB for query execution.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the resolved database path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
