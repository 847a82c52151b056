package registry

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/jmoiron/sqlx"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// OpenPostgres connects to a PostgreSQL database at dsn and applies the
// registry schema, creating tables that do not yet exist.
func OpenPostgres(dsn string) (*Store, kv.Error) {
	db, errGo := sqlx.Connect("postgres", dsn)
	if errGo != nil {
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "connect postgres").With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := db.Exec(postgresSchema); errGo != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.PersistentIO, errGo, "apply postgres schema").With("stack", stack.Trace().TrimRuntime())
	}
	return newStore(db, "postgres"), nil
}
