package server

import (
	"fmt"
	"path/filepath"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/wire"
)

// partitionFactory implements metapull.PartitionFactory: it opens a fresh
// partition's store namespace and binlog directory on first sight of a
// (table, id) pair the meta map reports (spec.md §4.4 reconcile, §4.2
// "a partition's on-disk footprint is its binlog directory plus its
// store namespace").
type partitionFactory struct {
	self    wire.Node
	dataDir string
	st      store.Store
	sink    partition.Sink
}

func newPartitionFactory(self wire.Node, dataDir string, st store.Store, sink partition.Sink) *partitionFactory {
	return &partitionFactory{self: self, dataDir: dataDir, st: st, sink: sink}
}

func namespace(table string, id int32) []byte {
	return []byte(fmt.Sprintf("%s/%d", table, id))
}

func (f *partitionFactory) NewPartition(table string, id int32) (*partition.Partition, error) {
	ns := namespace(table, id)
	if err := f.st.EnsureNamespace(ns); err != nil {
		return nil, errors.Trace(err)
	}

	dir := filepath.Join(f.dataDir, table, fmt.Sprintf("%d", id), "binlog")
	blog, err := binlog.CreateOrOpen(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return partition.New(partition.Config{
		Table:          table,
		ID:             id,
		Store:          f.st,
		StoreNamespace: ns,
		Binlog:         blog,
		Sink:           f.sink,
		Self:           f.self,
	}), nil
}
