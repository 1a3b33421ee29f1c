package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/dolthub/driver"

	"github.com/trellishq/trellis/internal/storage"
)

const doltCommitterName = "trellisd"
const doltCommitterEmail = "trellisd@localhost"

// openDolt opens an embedded dolt database under dir, creating the directory
// and the named database when missing. The driver requires absolute paths:
// relative ones get doubled by its internal working-directory handling.
func openDolt(ctx context.Context, dir, database string) (*sql.DB, error) {
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, storage.DatabaseError("open dolt", fmt.Errorf("database path %q is a file, not a directory", dir))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, storage.DatabaseError("open dolt", err)
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, storage.DatabaseError("open dolt", err)
	}

	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s",
		absPath, doltCommitterName, doltCommitterEmail)
	dbDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s&database=%s",
		absPath, doltCommitterName, doltCommitterEmail, database)

	// Ensure the database exists on a short-lived init connection before
	// opening the database-scoped one.
	initDB, err := sql.Open("dolt", initDSN)
	if err != nil {
		return nil, storage.ConnectionError("open dolt", err)
	}
	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database))
	initDB.Close()
	if err != nil {
		return nil, storage.DatabaseError("create dolt database", err)
	}

	db, err := sql.Open("dolt", dbDSN)
	if err != nil {
		return nil, storage.ConnectionError("open dolt", err)
	}
	// The embedded engine serves one process; a large pool only adds lock
	// contention inside the engine.
	db.SetMaxOpenConns(1)
	return db, nil
}
