// Package dbcore implements the storage and indexing engine of a small
// relational database: a clustered primary index per table (ISAM,
// Sequential File, or a clustered B+ tree) plus zero or more secondary
// indexes (unclustered B+ tree, extendible hash, R-tree, inverted text,
// multimedia), coordinated by a DatabaseManager that keeps every index in
// agreement under insert/delete/range-delete and reports per-operation I/O
// and timing costs.
package dbcore

import "errors"

// Sentinel errors returned by index and coordinator operations.
//
// Recoverable, data-shaped outcomes (duplicate key, not found) are never
// returned through these sentinels — they are encoded in
// OperationResult.Data per the error handling design. These sentinels
// cover structural failures and programming errors only.
var (
	// ErrClosed is declared for errors.Is-style callers; no index or
	// coordinator operation currently returns it.
	ErrClosed = errors.New("index is closed")

	// ErrCorruptMetadata is returned when a B+ tree's node 0 does not carry
	// the expected "BPT+" magic and cannot be treated as a fresh file either.
	ErrCorruptMetadata = errors.New("corrupt or unrecognised metadata block")

	// ErrUnsupportedIndex is returned when a predicate shape cannot be
	// served by the requested index type (e.g. range search on a hash index).
	ErrUnsupportedIndex = errors.New("index type does not support this operation")

	// ErrSchemaMismatch is returned when a field name is missing or its type
	// is incompatible with the requested index type.
	ErrSchemaMismatch = errors.New("field schema incompatible with index type")

	// ErrInvalidIndexType is returned when a caller names an index type the
	// coordinator does not recognise for the requested role (primary/secondary).
	ErrInvalidIndexType = errors.New("invalid index type for this role")

	// ErrIndexExists is returned when creating a secondary index on a field
	// that already has one.
	ErrIndexExists = errors.New("index already exists on field")

	// ErrTableExists is returned by CreateTable when the table name is taken.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned when a table name is not known to the
	// coordinator.
	ErrTableNotFound = errors.New("table does not exist")

	// ErrFieldNotFound is returned when a field name is not part of a
	// table's schema.
	ErrFieldNotFound = errors.New("field not found in table schema")

	// ErrPrimaryKeyIndex is returned when a caller asks for a secondary
	// index on the table's key field.
	ErrPrimaryKeyIndex = errors.New("cannot create secondary index on primary key field")

	// ErrDecompress is returned when a rebuild-backup snapshot cannot be
	// decompressed.
	ErrDecompress = errors.New("failed to decompress snapshot")

	// ErrInvalidDimension is returned by spatial and multimedia indexes
	// when a vector's length does not match the configured dimension.
	ErrInvalidDimension = errors.New("coordinate or feature vector has wrong dimension")

	// ErrSpatialTypeRequired is returned when a range search against an
	// R-tree index is not tagged with a spatial_type of "radius" or "knn".
	ErrSpatialTypeRequired = errors.New("spatial_type is required for R-tree range search")

	// ErrDuplicateKey and ErrNotFound are declared for errors.Is-style
	// callers but are never returned by an index or the coordinator:
	// both outcomes are data-shaped, not structural, and are carried in
	// OperationResult.Data instead.
	ErrDuplicateKey = errors.New("key already exists")
	ErrNotFound     = errors.New("key not found")

	// ErrRebuildCapReached is declared to name the condition but is never
	// returned: once ISAMOptions.MaxRebuildFactor is hit, growth simply
	// stops and the rebuild proceeds at the clamped factor.
	ErrRebuildCapReached = errors.New("rebuild growth factor capped")
)
