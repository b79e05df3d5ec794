package command

import (
	"github.com/zp-project/zp/wire"
)

// SyncRegistrar is the master-side collaborator notified when a follower's
// TrySync handshake lands, so the replication sender pool can start or
// re-point that follower's send task (spec.md §4.9 step 3). Expressed as
// an interface, like partition.Sink, so command has no dependency on the
// replication package.
type SyncRegistrar interface {
	// StartSync begins (or resumes) shipping partitionID's binlog to
	// follower starting at from. It returns CodeOk once the send task is
	// running, CodeFallback with a safe realignment offset if from is
	// ahead of anything the master has ever written, or CodeWait if from
	// is older than the partition's earliest retained offset — in which
	// case a snapshot bootstrap has been kicked off and the caller must
	// wait for it instead of replaying incrementally.
	StartSync(table string, partitionID int32, follower wire.Node, from wire.BinlogOffset) (code wire.Code, fallback wire.BinlogOffset)
}

// SyncCmd implements the peer-to-peer SYNC request: a follower asking the
// partition's master to (re)start replication at a known offset
// (spec.md §4.9 "TrySync").
type SyncCmd struct {
	Registrar SyncRegistrar
}

func (SyncCmd) Flags() Flag { return FlagAdmin }

func (c SyncCmd) Execute(ctx *Context, req *wire.Request) (*wire.Response, error) {
	p := ctx.Registry.GetTablePartitionByID(req.Table, req.Partition)
	if p == nil {
		return &wire.Response{Code: wire.CodeNotFound, Msg: "no such table/partition"}, nil
	}

	if p.Master() != ctx.Self {
		return &wire.Response{Code: wire.CodeNotLeader, Move: p.Master()}, nil
	}

	if c.Registrar == nil {
		return &wire.Response{Code: wire.CodeError, Msg: "sync registrar not wired"}, nil
	}

	code, fallback := c.Registrar.StartSync(req.Table, req.Partition, req.Node, req.SyncOffset)
	switch code {
	case wire.CodeOk:
		return &wire.Response{Code: wire.CodeOk}, nil
	case wire.CodeFallback:
		return &wire.Response{Code: wire.CodeFallback, Fallback: fallback}, nil
	case wire.CodeWait:
		return &wire.Response{Code: wire.CodeWait}, nil
	default:
		return &wire.Response{Code: wire.CodeError, Msg: "sync registrar returned unexpected code"}, nil
	}
}
