package partition

import (
	"sync"

	"github.com/zp-project/zp/pkg/phash"
	"github.com/zp-project/zp/wire"
)

// Table maps a table name to its partitions, read-mostly under its own
// RWMutex (spec.md §3: "Table registry... read-mostly under reader/writer
// lock"). Only the meta-pull worker, through Registry, ever writes.
type Table struct {
	mu sync.RWMutex

	Name           string
	partitionCount int32
	partitions     map[int32]*Partition
}

func newTable(name string) *Table {
	return &Table{Name: name, partitions: make(map[int32]*Partition)}
}

// SetPartitionCount records the table's partition_count, used by
// GetPartition's hash routing.
func (t *Table) SetPartitionCount(n int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitionCount = n
}

// PartitionCount returns the table's configured partition_count.
func (t *Table) PartitionCount() int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitionCount
}

// GetPartition resolves key to its owning Partition via the stable key
// hash (spec.md §6), or nil if that id has not been placed on this node
// yet.
func (t *Table) GetPartition(key []byte) *Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.partitionCount == 0 {
		return nil
	}
	id := phash.Partition(key, t.partitionCount)
	return t.partitions[id]
}

// GetPartitionByID looks up a partition by explicit id, used by the
// replication receive path (which already knows partition_id from the
// wire frame).
func (t *Table) GetPartitionByID(id int32) *Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions[id]
}

// UpsertPartition installs p as the partition for its id, replacing any
// existing entry. Called only by the registry's writer-locked apply.
func (t *Table) UpsertPartition(p *Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[p.ID] = p
}

// AllPartitions returns a snapshot slice of every partition currently
// known to this table.
func (t *Table) AllPartitions() []*Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Partition, 0, len(t.partitions))
	for _, p := range t.partitions {
		out = append(out, p)
	}
	return out
}

// LeaveAll transitions every partition in this table toward Leaving;
// actual destruction is deferred (spec.md §4.4 step 3, §9).
func (t *Table) LeaveAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.partitions {
		p.Leave()
	}
}

// DumpPartitionBinlogOffsets snapshots every partition's current offset,
// for the meta ping payload (spec.md §4.3).
func (t *Table) DumpPartitionBinlogOffsets() []wire.PartitionOffset {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]wire.PartitionOffset, 0, len(t.partitions))
	for id, p := range t.partitions {
		out = append(out, wire.PartitionOffset{
			Table:     t.Name,
			Partition: id,
			Offset:    p.Offset(),
		})
	}
	return out
}

// DoTimingTask runs every partition's periodic housekeeping.
func (t *Table) DoTimingTask() {
	for _, p := range t.AllPartitions() {
		p.DoTimingTask()
	}
}

// Dump logs every partition in this table.
func (t *Table) Dump() {
	for _, p := range t.AllPartitions() {
		p.Dump()
	}
}
