package command

import (
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// DelCmd implements the DEL request, identical shape to SET but dropping
// the key instead of upserting it.
type DelCmd struct{}

func (DelCmd) Flags() Flag { return FlagWrite | FlagSuspend }

func (DelCmd) Execute(ctx *Context, req *wire.Request) (*wire.Response, error) {
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
