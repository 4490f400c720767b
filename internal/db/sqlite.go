package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath keeps the journal in process memory.
const MemoryPath = ":memory:"

var (
	db   *sql.DB
	once sync.Once
)

// InitDB initializes the SQLite database connection and runs schema migrations.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		db, initErr = open(dbPath)
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

func open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		conn.SetMaxOpenConns(1)
	} else if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		boot_id TEXT NOT NULL,
		identity INTEGER NOT NULL,
		instance_id TEXT,
		remote_addr TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		frames_in INTEGER NOT NULL DEFAULT 0,
		frames_out INTEGER NOT NULL DEFAULT 0,
		connected_at DATETIME NOT NULL,
		disconnected_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_connections_boot_identity ON connections(boot_id, identity);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// NewTestDB creates a new in-memory database for testing.
// This bypasses the singleton pattern and creates a fresh database each time.
func NewTestDB() (*sql.DB, error) {
	testDB, err := open(MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	return testDB, nil
}
