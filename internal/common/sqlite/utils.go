// Package sqlite holds helpers shared by SQLite-backed stores.
package sqlite

import (
	"database/sql"
	"fmt"
)

// BoolToInt maps a bool onto the 0/1 integers SQLite stores.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// EnsureColumn adds column to table unless it already exists. A NOT NULL
// definition must carry a DEFAULT; SQLite refuses the ALTER otherwise.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// ColumnExists reports whether table has a column with the given name.
// pragma_table_info is the queryable form of PRAGMA table_info, available
// since SQLite 3.16.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
