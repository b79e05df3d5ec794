// Package store wraps the opaque, embedded on-disk KV engine used by a
// partition. The concrete engine is treated as an interchangeable detail
// per spec.md §1 ("the concrete on-disk KV engine (assumed to be an
// opaque embedded store with Put/Get/Delete/Snapshot)"); BoltStore is the
// one concrete implementation carried over from the teacher.
package store

// Store is the per-partition KV engine handle. namespace scopes all
// operations to one partition's own bucket within a shared underlying
// file, so many partitions can share one open database handle cheaply.
type Store interface {
	// EnsureNamespace creates namespace's bucket if absent, used when a
	// table gains a partition this node has not seen before.
	EnsureNamespace(namespace []byte) error

	Get(namespace []byte, key []byte) ([]byte, error)
	Put(namespace []byte, key []byte, value []byte) error
	Delete(namespace []byte, key []byte) error
	Scan(namespace []byte, startKey []byte, f func(k, v []byte) bool) error

	NewBatch() Batch
	Commit(namespace []byte, b Batch) error

	// Snapshot copies all data under namespace into dir, for bootstrap
	// transfer to a cold follower.
	Snapshot(namespace []byte, dir string) error

	// LoadSnapshot replaces namespace's contents with the bucket dumped at
	// path by another store's Snapshot, used once a cold follower's
	// rsync-style transfer completes (spec.md §4.9, §4.10).
	LoadSnapshot(namespace []byte, path string) error

	// Size reports the approximate on-disk bytes used by namespace, for
	// INFOCAPACITY reporting.
	Size(namespace []byte) (int64, error)

	Close() error
}

// Batch accumulates writes for an atomic Commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Len() int
}
