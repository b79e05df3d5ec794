package replication

import (
	"net"
	"strconv"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/command"
	"github.com/zp-project/zp/metrics"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// frameTask is one decoded incoming replication frame plus the connection
// it arrived on, so a divergence can drop exactly that connection
// (spec.md §4.8).
type frameTask struct {
	conn  net.Conn
	frame *wire.SyncRequest
}

// recvWorker applies frames for the shard of partitions hashed to it
// (spec.md §4.8: "index = partition_id mod R"). A single master's frames
// for a given partition always land on the same worker and arrive in
// order on one connection, so no cross-worker coordination is needed to
// preserve per-partition order.
type recvWorker struct {
	id       int
	registry *partition.Registry
	queue    chan frameTask
	done     chan struct{}
}

func newRecvWorker(id int, registry *partition.Registry, queueSize int) *recvWorker {
	w := &recvWorker{id: id, registry: registry, queue: make(chan frameTask, queueSize), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *recvWorker) enqueue(t frameTask) {
	select {
	case w.queue <- t:
		metrics.RecvQueueDepth.WithLabelValues(strconv.Itoa(w.id)).Set(float64(len(w.queue)))
	case <-w.done:
	}
}

func (w *recvWorker) stop() { close(w.done) }

func (w *recvWorker) run() {
	for {
		select {
		case <-w.done:
			return
		case t := <-w.queue:
			w.apply(t)
		}
	}
}

func (w *recvWorker) apply(t frameTask) {
	f := t.frame

	part := w.registry.GetTablePartitionByID(f.Table, f.PartitionID)
	if part == nil {
		log.Warnf("replication: recv frame for unknown partition %s/%d", f.Table, f.PartitionID)
		return
	}

	req, err := command.DecodeCmd(f.Command)
	if err != nil {
		log.Errorf("replication: recv decode %s/%d: %v", f.Table, f.PartitionID, err)
		t.conn.Close()
		return
	}

	err = part.ApplyReplicated(command.Apply(req), f.Command, f.SyncOffset)
	if err == partition.ErrDivergent {
		log.Warnf("replication: %s/%d divergent at %v, dropping connection", f.Table, f.PartitionID, f.SyncOffset)
		part.MarkDivergent()
		t.conn.Close()
		return
	}
	if err != nil {
		log.Errorf("replication: %s/%d apply failed: %v", f.Table, f.PartitionID, err)
	}
}
