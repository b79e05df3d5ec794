package command

import (
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// GetCmd implements the GET request: a read against whichever replica
// holds the partition locally, served from a master always and from a
// slave only once Active (spec.md §4.2 role discipline).
type GetCmd struct{}

func (GetCmd) Flags() Flag { return FlagRead }

func (GetCmd) Execute(ctx *Context, req *wire.Request) (*wire.Response, error) {
	p := ctx.Registry.GetTablePartition(req.Table, req.Key)
	if p == nil {
		return &wire.Response{Code: wire.CodeNotFound, Msg: "no such table/partition"}, nil
	}

	if err := p.HandleRead(); err != nil {
		if err == partition.ErrUnavailable {
			return &wire.Response{Code: wire.CodeNotLeader, Move: p.Master()}, nil
		}
		return &wire.Response{Code: wire.CodeError, Msg: err.Error()}, nil
	}

	s, ns := p.Store()
	val, err := s.Get(ns, req.Key)
	if err != nil {
		if errors.IsNotFound(err) {
			return &wire.Response{Code: wire.CodeNotFound}, nil
		}
		return &wire.Response{Code: wire.CodeError, Msg: err.Error()}, nil
	}
	return &wire.Response{Code: wire.CodeOk, Value: val}, nil
}
