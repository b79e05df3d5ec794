// Package server wires every other package into the running data node
// process: the component composition spec.md §5 describes as "the data
// node" is assembled here, grounded on the teacher's cmd/drainer/main.go +
// drainer.Server shape (config load, component construction in dependency
// order, ordered Close on shutdown).
package server

import (
	"os"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/bg"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/replication"
	"github.com/zp-project/zp/rsync"
	"github.com/zp-project/zp/wire"
)

// SyncRegistrar composes the replication sender pool with a BGSave queue to
// implement command.SyncRegistrar's full three-way contract (spec.md §4.9
// step 3, §4.10): a CodeWait result from the sender pool means this
// partition has purged binlog the follower still needs, so a snapshot
// bootstrap must be staged before the follower can make progress.
type SyncRegistrar struct {
	sender   *replication.SenderPool
	registry *partition.Registry
	bgsave   *bg.Queue
	daemon   rsync.Controller
}

// NewSyncRegistrar builds the composed registrar. daemon's StageDir locates
// the per-partition directory the bootstrap transfer daemon serves from,
// shared with the trysync worker's own use of the same controller.
func NewSyncRegistrar(sender *replication.SenderPool, registry *partition.Registry, bgsave *bg.Queue, daemon rsync.Controller) *SyncRegistrar {
	return &SyncRegistrar{sender: sender, registry: registry, bgsave: bgsave, daemon: daemon}
}

// StartSync implements command.SyncRegistrar. On CodeWait it additionally
// schedules a BGSave job dumping this partition's current KV contents into
// its staging directory, so by the time the follower polls the bootstrap
// daemon's completion marker there is something for it to copy.
func (r *SyncRegistrar) StartSync(table string, partitionID int32, follower wire.Node, from wire.BinlogOffset) (wire.Code, wire.BinlogOffset) {
	code, fallback := r.sender.StartSync(table, partitionID, follower, from)
	if code == wire.CodeWait {
		r.scheduleBGSave(table, partitionID)
	}
	return code, fallback
}

func (r *SyncRegistrar) scheduleBGSave(table string, partitionID int32) {
	r.bgsave.Schedule(func() {
		p := r.registry.GetTablePartitionByID(table, partitionID)
		if p == nil {
			return
		}

		dir := r.daemon.StageDir(table, partitionID)
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Errorf("server: bgsave %s/%d mkdir %s: %v", table, partitionID, dir, err)
			return
		}

		st, ns := p.Store()
		if err := st.Snapshot(ns, dir); err != nil {
			log.Errorf("server: bgsave %s/%d snapshot: %v", table, partitionID, err)
			return
		}

		log.Infof("server: bgsave %s/%d snapshot staged in %s", table, partitionID, dir)
	})
}
