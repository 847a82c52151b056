// Package events defines the in-process FileEvent message and the event
// bus that connects source observers (directory watcher, SFTP executor)
// to the dispatcher engine.
package events

import "time"

// FileEvent describes one observed file. Ownership moves from producer to
// bus to dispatcher; it is never mutated after being handed to the bus.
type FileEvent struct {
	// Source is the configured name of the producer (directory or SFTP
	// source) that observed this file.
	Source string
	// Path is the local, absolute path where the file's bytes can be
	// read from at the time the event is published.
	Path string
	// Size is the file size in bytes at observation time; zero-byte
	// files are valid.
	Size int64
	// Modified is the file's modification timestamp at observation time.
	Modified time.Time
	// Hash is the pre-computed SHA-256 hex digest, if the producer
	// already streamed the bytes (SFTP executor always sets this; the
	// directory source leaves it empty for the dispatcher to compute).
	Hash string

	// Origin names which registry table holds the pending row this event
	// descends from ("sftp_download" or "directory_source"), empty if the
	// producer recorded none.
	Origin string
	// OriginID is the id of that pending row, to be linked to the
	// registered File once the dispatcher knows its file_id.
	OriginID int64
}

// Origin table names used by producers to tag a FileEvent with the
// pending registry row it descends from.
const (
	OriginSftpDownload    = "sftp_download"
	OriginDirectorySource = "directory_source"
)

// HasHash reports whether the producer already computed the digest.
func (e FileEvent) HasHash() bool {
	return e.Hash != ""
}
