package jsonldb

import "errors"

// Sentinel errors returned by collection operations. They are wrapped with
// context (path, key) so callers should match with errors.Is.
var (
	// ErrInvalidName is returned when a table, key or partition name cannot be
	// used as a file name.
	ErrInvalidName = errors.New("invalid name")

	// ErrShardResolution is returned when the shard directory of a key cannot
	// be computed or accessed.
	ErrShardResolution = errors.New("shard resolution failed")

	// ErrDirectoryCreate is returned when a directory cannot be created for a
	// reason other than it already existing.
	ErrDirectoryCreate = errors.New("failed to create directory")

	// ErrFlushWrite is returned when pending state cannot be written to disk.
	// The pending state is retained and the flush is retried.
	ErrFlushWrite = errors.New("flush write failed")

	// ErrFlushRename is returned when the temporary file of an associative
	// record cannot be renamed over the record. The pending value is retained.
	ErrFlushRename = errors.New("flush rename failed")

	// ErrReadParse is returned when stored content is not valid JSON.
	ErrReadParse = errors.New("stored content is not valid JSON")

	// ErrClosed is returned when mutating a closed collection.
	ErrClosed = errors.New("collection is closed")

	// ErrTableKind is returned when a table is opened both as an associative
	// table and as a log.
	ErrTableKind = errors.New("table already opened with a different kind")
)
