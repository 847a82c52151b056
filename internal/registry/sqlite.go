package registry

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/jmoiron/sqlx"

	// Registers the "sqlite3" database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// OpenSQLite opens (creating if absent) a SQLite database at path and
// applies the registry schema. path may be ":memory:" for tests.
func OpenSQLite(path string) (*Store, kv.Error) {
	db, errGo := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if errGo != nil {
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "open sqlite").With("stack", stack.Trace().TrimRuntime())
	}
	// SQLite serializes writes; a single connection avoids "database is
	// locked" errors under concurrent access from the dispatcher's shards.
	db.SetMaxOpenConns(1)

	if _, errGo := db.Exec(sqliteSchema); errGo != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.PersistentIO, errGo, "apply sqlite schema").With("stack", stack.Trace().TrimRuntime())
	}
	return newStore(db, "sqlite3"), nil
}
