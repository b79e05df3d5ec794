// Package phash pins the key->partition hash function so that clients
// and data nodes always agree on routing (spec.md §6).
package phash

import "github.com/spaolacci/murmur3"

// Partition returns the partition index in [0, count) that key routes to.
// count must be > 0.
func Partition(key []byte, count int32) int32 {
	if count <= 0 {
		panic("phash: partition_count must be positive")
	}
	h := murmur3.Sum64(key)
	return int32(h % uint64(count))
}
