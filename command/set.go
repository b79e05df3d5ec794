package command

import (
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// SetCmd implements the SET request: a single-key upsert routed to the
// partition owning req.Key (spec.md §4.2 write path).
type SetCmd struct{}

// Flags reports SET as a write that must be refused while the partition
// is suspended (e.g. mid-snapshot-bootstrap).
func (SetCmd) Flags() Flag { return FlagWrite | FlagSuspend }

// Execute resolves the partition, applies the write under its single
// writer lock, and appends the encoded command to its binlog.
func (SetCmd) Execute(ctx *Context, req *wire.Request) (*wire.Response, error) {
	p := ctx.Registry.GetTablePartition(req.Table, req.Key)
	if p == nil {
		return &wire.Response{Code: wire.CodeNotFound, Msg: "no such table/partition"}, nil
	}

	cmd, err := encodeCmd(req)
	if err != nil {
		return &wire.Response{Code: wire.CodeError, Msg: err.Error()}, nil
	}

	if _, err := p.HandleWrite(Apply(req), cmd); err != nil {
		if err == partition.ErrNotLeader {
			return &wire.Response{Code: wire.CodeNotLeader, Move: p.Master()}, nil
		}
		return &wire.Response{Code: wire.CodeError, Msg: err.Error()}, nil
	}
	return &wire.Response{Code: wire.CodeOk}, nil
}
