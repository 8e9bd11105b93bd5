package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "journal.db"

type Config struct {
	// StateDir is the coordination directory holding the journal database.
	StateDir string
}

func dbPath(stateDir string) string {
	if stateDir == "" {
		stateDir = ".storyline"
	}
	return filepath.Join(stateDir, defaultDBName)
}

// Open opens the journal database, creating the state directory if missing.
func Open(cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath(cfg.StateDir)), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the state directory.
func Path(stateDir string) string {
	return dbPath(stateDir)
}
