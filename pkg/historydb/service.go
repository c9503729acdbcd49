// HistoryDB holds the numeric telemetry recorded by history_collector and
// its hourly aggregates. Only history_collector writes to it.
package historydb

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/charmbracelet/log"

	_ "modernc.org/sqlite"
)

var (
	db *sql.DB
	mu sync.Mutex
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// InitializeDatabase must be called on startup, before GetDB.
func InitializeDatabase(path string) error {
	conn, err := Open(path)
	if err != nil {
		return err
	}

	// Apply migrations
	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		conn,
		migrationFS,
		"migrations",
	)

	mu.Lock()
	db = conn
	mu.Unlock()
	log.Info("History database ready", "path", path)
	return nil
}

// Open opens the sqlite file at path without migrating it.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// Verify connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// GetDB returns the database opened by InitializeDatabase, nil before.
func GetDB() *sql.DB {
	mu.Lock()
	defer mu.Unlock()
	return db
}
