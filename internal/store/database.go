package store

import (
	"database/sql"
	"runtime"

	_ "modernc.org/sqlite"
)

// InitDatabase opens the sqlite database at dsn. The read-write handle is
// limited to a single connection since sqlite serializes writers anyway.
func InitDatabase(dsn string, readonly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			return nil, err
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
