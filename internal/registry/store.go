package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"github.com/jmoiron/sqlx"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
)

// Store is the registry's operation surface, implemented identically over
// PostgreSQL and SQLite (see OpenPostgres and OpenSQLite). Every method is
// transactional.
type Store struct {
	db      *sqlx.DB
	dialect string
	timeout time.Duration
}

// DefaultStatementTimeout is the default per-statement deadline applied
// when the caller's context carries no deadline.
const DefaultStatementTimeout = 10 * time.Second

func newStore(db *sqlx.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect, timeout: DefaultStatementTimeout}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetPoolBounds configures the connection pool's min/max bounds.
func (s *Store) SetPoolBounds(minIdle, maxOpen int) {
	s.db.SetMaxOpenConns(maxOpen)
	s.db.SetMaxIdleConns(minIdle)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// RegisterFile is the idempotent upsert on (source, path).
func (s *Store) RegisterFile(ctx context.Context, source, path string, modified time.Time, size int64, hash string) (fileID int64, outcome RegisterOutcome, err kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, errGo := s.db.BeginTxx(ctx, nil)
	if errGo != nil {
		return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "begin tx").With("stack", stack.Trace().TrimRuntime())
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing File
	errGo = tx.GetContext(ctx, &existing, tx.Rebind(`SELECT id, timestamp, source, path, modified, size, hash FROM file WHERE source = ? AND path = ?`), source, path)

	switch {
	case errGo == sql.ErrNoRows:
		res, errGo := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO file (timestamp, source, path, modified, size, hash) VALUES (?, ?, ?, ?, ?, ?)`),
			time.Now().UTC(), source, path, modified, size, nullableHash(hash))
		if errGo != nil {
			return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "insert file").With("stack", stack.Trace().TrimRuntime())
		}
		id, errGo := res.LastInsertId()
		if errGo != nil {
			// PostgreSQL's driver does not support LastInsertId; fall
			// back to selecting the id by (source, path) in the same tx.
			if id, errGo = s.lastFileID(ctx, tx, source, path); errGo != nil {
				return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "resolve inserted file id").With("stack", stack.Trace().TrimRuntime())
			}
		}
		if errGo := tx.Commit(); errGo != nil {
			return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "commit").With("stack", stack.Trace().TrimRuntime())
		}
		return id, Created, nil

	case errGo != nil:
		return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "lookup file").With("stack", stack.Trace().TrimRuntime())
	}

	if existing.Hash.Valid && existing.Hash.String == hash && hash != "" {
		if errGo := tx.Commit(); errGo != nil {
			return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "commit").With("stack", stack.Trace().TrimRuntime())
		}
		return existing.ID, UpdatedSameHash, nil
	}

	if _, errGo := tx.ExecContext(ctx, tx.Rebind(`UPDATE file SET size = ?, modified = ?, hash = ? WHERE id = ?`),
		size, modified, nullableHash(hash), existing.ID); errGo != nil {
		return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "update file").With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := tx.Commit(); errGo != nil {
		return 0, outcome, errkind.Wrap(errkind.TransientIO, errGo, "commit").With("stack", stack.Trace().TrimRuntime())
	}
	return existing.ID, UpdatedNewHash, nil
}

func (s *Store) lastFileID(ctx context.Context, tx *sqlx.Tx, source, path string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, tx.Rebind(`SELECT id FROM file WHERE source = ? AND path = ?`), source, path)
	return id, err
}

func nullableHash(hash string) sql.NullString {
	if hash == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: hash, Valid: true}
}

// HasDispatched reports whether a Dispatched row already exists for
// (fileID, target), used by the dispatcher to decide whether a duplicate
// file still needs dispatching to a given target.
func (s *Store) HasDispatched(ctx context.Context, fileID int64, target string) (bool, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	errGo := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM dispatched WHERE file_id = ? AND target = ?`), fileID, target)
	if errGo != nil {
		return false, errkind.Wrap(errkind.TransientIO, errGo, "check dispatched").With("stack", stack.Trace().TrimRuntime())
	}
	return count > 0, nil
}

// RecordDispatched inserts a Dispatched row. It is safe to call more than
// once for the same (file_id, target): at-least-once delivery means
// duplicate rows across retries are expected, not an error.
func (s *Store) RecordDispatched(ctx context.Context, fileID int64, target string) kv.Error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, errGo := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO dispatched (file_id, target, timestamp) VALUES (?, ?, ?)`),
		fileID, target, time.Now().UTC())
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "record dispatched").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ListFilesBySource returns every File row for source, used by the
// directory source's startup reconciliation scan.
func (s *Store) ListFilesBySource(ctx context.Context, source string) ([]File, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	files := []File{}
	errGo := s.db.SelectContext(ctx, &files, s.db.Rebind(`SELECT id, timestamp, source, path, modified, size, hash FROM file WHERE source = ?`), source)
	if errGo != nil {
		return nil, errkind.Wrap(errkind.TransientIO, errGo, "list files by source").With("stack", stack.Trace().TrimRuntime())
	}
	return files, nil
}

// RecordSftpDownload inserts a new SftpDownload row and returns its id.
func (s *Store) RecordSftpDownload(ctx context.Context, source, path string, size *int64) (int64, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sqlSize sql.NullInt64
	if size != nil {
		sqlSize = sql.NullInt64{Int64: *size, Valid: true}
	}

	res, errGo := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO sftp_download (timestamp, source, path, size) VALUES (?, ?, ?, ?)`),
		time.Now().UTC(), source, path, sqlSize)
	if errGo != nil {
		return 0, errkind.Wrap(errkind.TransientIO, errGo, "record sftp download").With("stack", stack.Trace().TrimRuntime())
	}
	id, errGo := res.LastInsertId()
	if errGo != nil {
		if errGo2 := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT id FROM sftp_download WHERE source = ? AND path = ? ORDER BY id DESC LIMIT 1`), source, path); errGo2 != nil {
			return 0, errkind.Wrap(errkind.TransientIO, errGo2, "resolve sftp download id").With("stack", stack.Trace().TrimRuntime())
		}
	}
	return id, nil
}

// LinkSftpDownload sets file_id on a previously recorded SftpDownload row
// once the dispatcher has created the corresponding File row.
func (s *Store) LinkSftpDownload(ctx context.Context, id, fileID int64) kv.Error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, errGo := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sftp_download SET file_id = ? WHERE id = ?`), fileID, id)
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "link sftp download").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// SftpDownloadFileID returns the file_id linked to an SftpDownload row, if
// LinkSftpDownload has been called for it yet.
func (s *Store) SftpDownloadFileID(ctx context.Context, id int64) (int64, bool, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var fileID sql.NullInt64
	errGo := s.db.GetContext(ctx, &fileID, s.db.Rebind(`SELECT file_id FROM sftp_download WHERE id = ?`), id)
	if errGo != nil {
		return 0, false, errkind.Wrap(errkind.TransientIO, errGo, "lookup sftp download file id").With("stack", stack.Trace().TrimRuntime())
	}
	return fileID.Int64, fileID.Valid, nil
}

// RecordDirectorySource inserts a DirectorySourceRecord row, mirroring
// RecordSftpDownload for locally-originated files.
func (s *Store) RecordDirectorySource(ctx context.Context, source, path string, modified time.Time, size int64) (int64, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, errGo := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO directory_source (timestamp, source, path, modified, size) VALUES (?, ?, ?, ?, ?)`),
		time.Now().UTC(), source, path, modified, size)
	if errGo != nil {
		return 0, errkind.Wrap(errkind.TransientIO, errGo, "record directory source").With("stack", stack.Trace().TrimRuntime())
	}
	id, errGo := res.LastInsertId()
	if errGo != nil {
		if errGo2 := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT id FROM directory_source WHERE source = ? AND path = ? ORDER BY id DESC LIMIT 1`), source, path); errGo2 != nil {
			return 0, errkind.Wrap(errkind.TransientIO, errGo2, "resolve directory source id").With("stack", stack.Trace().TrimRuntime())
		}
	}
	return id, nil
}

// LinkDirectorySource sets file_id on a previously recorded
// DirectorySourceRecord row.
func (s *Store) LinkDirectorySource(ctx context.Context, id, fileID int64) kv.Error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, errGo := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE directory_source SET file_id = ? WHERE id = ?`), fileID, id)
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "link directory source").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// DirectorySourceFileID returns the file_id linked to a DirectorySource
// row, if LinkDirectorySource has been called for it yet.
func (s *Store) DirectorySourceFileID(ctx context.Context, id int64) (int64, bool, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var fileID sql.NullInt64
	errGo := s.db.GetContext(ctx, &fileID, s.db.Rebind(`SELECT file_id FROM directory_source WHERE id = ?`), id)
	if errGo != nil {
		return 0, false, errkind.Wrap(errkind.TransientIO, errGo, "lookup directory source file id").With("stack", stack.Trace().TrimRuntime())
	}
	return fileID.Int64, fileID.Valid, nil
}

// RecordDeadLetter persists a dropped SFTP job for operator inspection.
func (s *Store) RecordDeadLetter(ctx context.Context, source, path, reason string, attempts int) kv.Error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, errGo := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO dead_letter (timestamp, source, path, reason, attempts) VALUES (?, ?, ?, ?, ?)`),
		time.Now().UTC(), source, path, reason, attempts)
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "record dead letter").With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// CountDeadLetters returns how many dead-letter rows exist for (source, path).
func (s *Store) CountDeadLetters(ctx context.Context, source, path string) (int, kv.Error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	errGo := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM dead_letter WHERE source = ? AND path = ?`), source, path)
	if errGo != nil {
		return 0, errkind.Wrap(errkind.TransientIO, errGo, "count dead letters").With("stack", stack.Trace().TrimRuntime())
	}
	return count, nil
}
