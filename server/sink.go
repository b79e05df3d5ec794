package server

import (
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/replication"
	"github.com/zp-project/zp/trysync"
	"github.com/zp-project/zp/wire"
)

// Sink composes the replication sender pool and the TrySync worker into a
// single partition.Sink: local commits refresh replication lag metrics,
// divergence/new-mastership notifications kick off a TrySync handshake.
// Kept here rather than in either package to avoid a replication<->trysync
// import cycle (both would need each other's types otherwise).
type Sink struct {
	sender  *replication.SenderPool
	trysync *trysync.Worker
}

// NewSink builds the composed partition.Sink.
func NewSink(sender *replication.SenderPool, ts *trysync.Worker) *Sink {
	return &Sink{sender: sender, trysync: ts}
}

func (s *Sink) OnLocalCommit(p *partition.Partition, offset wire.BinlogOffset) {
	s.sender.OnLocalCommit(p, offset)
}

func (s *Sink) OnNeedsSync(p *partition.Partition) {
	s.trysync.OnNeedsSync(p)
}
