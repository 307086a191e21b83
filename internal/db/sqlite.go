package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL lets these read-only connections see consistent snapshots while
	// the single writer proceeds.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a SQLite database. The pool is capped
// at one connection; every write in the process serializes through it, so
// writers never hit SQLITE_BUSY against each other.
func OpenSQLite(path string) (*sql.DB, error) {
	abs, err := ensureSQLiteFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	conn, err := sql.Open("sqlite3", sqliteDSN(abs, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections on the same file.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absOrSelf(path), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// sqliteDSN builds the connection string. Foreign keys and the busy timeout
// apply per connection; journal_mode and synchronous are database-level and
// only the writer sets them.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		path, mode, sqliteBusyTimeout.Milliseconds())
	if mode == "rwc" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// ensureSQLiteFile resolves the path and creates the parent directory and an
// empty database file when missing, so the read-only pool can open the file
// before the first write.
func ensureSQLiteFile(path string) (string, error) {
	abs := absOrSelf(path)
	if dir := filepath.Dir(abs); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return abs, f.Close()
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
