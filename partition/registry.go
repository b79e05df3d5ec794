package partition

import (
	"sync"

	"github.com/zp-project/zp/wire"
)

type wireOffsetSnapshot = wire.PartitionOffset

// Registry is the process-wide map<name, Table>, protected by a
// reader/writer lock (spec.md §3, §4.3). The only writer is the
// meta-pull worker, which holds the writer lock for an entire reconcile
// pass so no request-path reader ever observes a half-applied map
// (spec.md §5 "Epoch visibility").
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// GetOrAddTable returns the existing table for name, creating an empty
// one if this is the first time it is seen.
func (r *Registry) GetOrAddTable(name string) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tables[name]; ok {
		return t
	}
	t := newTable(name)
	r.tables[name] = t
	return t
}

// GetTable is the reader-locked lookup used by every request path.
func (r *Registry) GetTable(name string) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[name]
}

// GetTablePartition resolves (table, key) to its owning Partition in one
// call, returning nil if the table is unknown.
func (r *Registry) GetTablePartition(table string, key []byte) *Partition {
	t := r.GetTable(table)
	if t == nil {
		return nil
	}
	return t.GetPartition(key)
}

// GetTablePartitionByID resolves (table, id) directly, used by the
// replication receive path.
func (r *Registry) GetTablePartitionByID(table string, id int32) *Partition {
	t := r.GetTable(table)
	if t == nil {
		return nil
	}
	return t.GetPartitionByID(id)
}

// AllTableNames returns a snapshot of every known table name.
func (r *Registry) AllTableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	return out
}

// WithWriterLock runs fn with the registry's writer lock held, for the
// meta-pull worker's whole-map reconcile (spec.md §4.4, §5).
func (r *Registry) WithWriterLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// DumpTableBinlogOffsets snapshots offsets for the named table, or for
// every table when name is empty (spec.md §4.3).
func (r *Registry) DumpTableBinlogOffsets(name string) map[string][]wireOffsetSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]wireOffsetSnapshot)
	if name != "" {
		if t, ok := r.tables[name]; ok {
			out[name] = t.DumpPartitionBinlogOffsets()
		}
		return out
	}
	for n, t := range r.tables {
		out[n] = t.DumpPartitionBinlogOffsets()
	}
	return out
}

// DoTimingTask runs every table's (and so every partition's) periodic
// housekeeping, mirroring zp_data_server.cc's DoTimingTask.
func (r *Registry) DoTimingTask() {
	r.mu.RLock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.RUnlock()

	for _, t := range tables {
		t.DoTimingTask()
	}
}

// Dump logs every table's partitions.
func (r *Registry) Dump() {
	r.mu.RLock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.RUnlock()

	for _, t := range tables {
		t.Dump()
	}
}
