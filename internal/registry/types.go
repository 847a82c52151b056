// Package registry is the durable record of files, SFTP downloads and
// dispatched targets. All operations are transactional; the per-file-path
// critical section is held in-process by the dispatcher's lease, not by
// the database.
package registry

import (
	"database/sql"
	"time"
)

// RegisterOutcome reports what RegisterFile did with the given
// (source, path) row.
type RegisterOutcome int

const (
	// Created means no prior row existed for (source, path); a new File
	// row and a fresh file_id were created.
	Created RegisterOutcome = iota
	// UpdatedSameHash means a row existed with an identical hash: the
	// file's content is an exact duplicate observation.
	UpdatedSameHash
	// UpdatedNewHash means a row existed with a different hash: the
	// file's content has been replaced.
	UpdatedNewHash
)

func (o RegisterOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case UpdatedSameHash:
		return "updated_same_hash"
	case UpdatedNewHash:
		return "updated_new_hash"
	default:
		return "unknown"
	}
}

// File is the durable record of one observed (source, path) pair.
// (source, path) is unique; hash transitions once from absent to present
// and is then immutable for a given content generation.
type File struct {
	ID        int64          `db:"id"`
	Timestamp time.Time      `db:"timestamp"`
	Source    string         `db:"source"`
	Path      string         `db:"path"`
	Modified  time.Time      `db:"modified"`
	Size      int64          `db:"size"`
	Hash      sql.NullString `db:"hash"`
}

// SftpDownload records a materialized SFTP download. FileID is a lookup,
// not an owning pointer: it is set once the corresponding File row is
// created by the dispatcher.
type SftpDownload struct {
	ID        int64         `db:"id"`
	Timestamp time.Time     `db:"timestamp"`
	Source    string        `db:"source"`
	Path      string        `db:"path"`
	Size      sql.NullInt64 `db:"size"`
	FileID    sql.NullInt64 `db:"file_id"`
}

// DirectorySourceRecord records a locally-originated file observation,
// mirroring SftpDownload for the directory source.
type DirectorySourceRecord struct {
	ID        int64         `db:"id"`
	Timestamp time.Time     `db:"timestamp"`
	Source    string        `db:"source"`
	Path      string        `db:"path"`
	Modified  time.Time     `db:"modified"`
	Size      int64         `db:"size"`
	FileID    sql.NullInt64 `db:"file_id"`
}

// Dispatched records one publish of a File to a Target. At-least-once
// delivery means a File may have multiple Dispatched rows for the same
// target across retries; consumers dedupe on (file_id, target).
type Dispatched struct {
	FileID    int64     `db:"file_id"`
	Target    string    `db:"target"`
	Timestamp time.Time `db:"timestamp"`
}

// DeadLetter records an SFTP job that was routed to the dead-letter path
// (hash mismatch, exhausted retries, missing remote file) so operators
// can inspect what was dropped.
type DeadLetter struct {
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"timestamp"`
	Source    string    `db:"source"`
	Path      string    `db:"path"`
	Reason    string    `db:"reason"`
	Attempts  int       `db:"attempts"`
}
