package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (and migrates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers; transactions never wait on
	// each other for SQLite's database-level lock.
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, dialect{
		name:              "sqlite",
		timestampType:     "DATETIME",
		isUniqueViolation: isSQLiteUniqueViolation,
	})
}

func isSQLiteUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
