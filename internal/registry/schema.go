package registry

// Schema DDL per backend. hash is nullable on both backends: a file can
// be linked to an sftp_download row before its digest is confirmed, so
// hash is modeled as optional at the schema layer and enforced only at
// the application layer for verified SFTP downloads (see
// sftpsource.Executor).

const postgresSchema = `
CREATE TABLE IF NOT EXISTS file (
	id SERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	modified TIMESTAMPTZ NOT NULL,
	size BIGINT NOT NULL,
	hash TEXT,
	UNIQUE (source, path)
);

CREATE TABLE IF NOT EXISTS sftp_download (
	id SERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	size BIGINT,
	file_id BIGINT REFERENCES file(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS sftp_download_source_path_idx ON sftp_download (source, path);

CREATE TABLE IF NOT EXISTS directory_source (
	id SERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	modified TIMESTAMPTZ NOT NULL,
	size BIGINT NOT NULL,
	file_id BIGINT REFERENCES file(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS directory_source_source_path_idx ON directory_source (source, path);

CREATE TABLE IF NOT EXISTS dispatched (
	file_id BIGINT NOT NULL REFERENCES file(id) ON DELETE CASCADE,
	target TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatched_file_target_idx ON dispatched (file_id, target);

CREATE TABLE IF NOT EXISTS dead_letter (
	id SERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS file (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	modified DATETIME NOT NULL,
	size INTEGER NOT NULL,
	hash TEXT,
	UNIQUE (source, path)
);

CREATE TABLE IF NOT EXISTS sftp_download (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER,
	file_id INTEGER REFERENCES file(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS sftp_download_source_path_idx ON sftp_download (source, path);

CREATE TABLE IF NOT EXISTS directory_source (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	modified DATETIME NOT NULL,
	size INTEGER NOT NULL,
	file_id INTEGER REFERENCES file(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS directory_source_source_path_idx ON directory_source (source, path);

CREATE TABLE IF NOT EXISTS dispatched (
	file_id INTEGER NOT NULL REFERENCES file(id) ON DELETE CASCADE,
	target TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatched_file_target_idx ON dispatched (file_id, target);

CREATE TABLE IF NOT EXISTS dead_letter (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	source TEXT NOT NULL,
	path TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL
);
`
