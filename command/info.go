package command

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/zp-project/zp/wire"
)

// InfoCmd answers the three INFO* admin queries with a flat text report in
// Response.Value, mirroring zp_data_server.cc's Info* dump format closely
// enough to stay debuggable from a raw nc session.
type InfoCmd struct{}

func (InfoCmd) Flags() Flag { return FlagAdmin }

func (InfoCmd) Execute(ctx *Context, req *wire.Request) (*wire.Response, error) {
	switch req.Type {
	case wire.TypeInfoStats:
		return infoStats(ctx), nil
	case wire.TypeInfoCapacity:
		return infoCapacity(ctx, req), nil
	case wire.TypeInfoPartition:
		return infoPartition(ctx, req), nil
	default:
		return &wire.Response{Code: wire.CodeError, Msg: "unsupported info kind"}, nil
	}
}

func infoStats(ctx *Context) *wire.Response {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "self:%s\n", ctx.Self)

	for _, name := range ctx.Registry.AllTableNames() {
		t := ctx.Registry.GetTable(name)
		if t == nil {
			continue
		}
		parts := t.AllPartitions()
		fmt.Fprintf(&buf, "table:%s partitions:%d\n", name, len(parts))
	}
	return &wire.Response{Code: wire.CodeOk, Value: buf.Bytes()}
}

func infoCapacity(ctx *Context, req *wire.Request) *wire.Response {
	var buf bytes.Buffer

	names := ctx.Registry.AllTableNames()
	if req.Table != "" {
		names = []string{req.Table}
	}
	for _, name := range names {
		t := ctx.Registry.GetTable(name)
		if t == nil {
			continue
		}
		for _, p := range t.AllPartitions() {
			s, ns := p.Store()
			sz, err := s.Size(ns)
			if err != nil {
				continue
			}
			fmt.Fprintf(&buf, "table:%s partition:%d bytes:%d (%s)\n", name, p.ID, sz, humanize.Bytes(uint64(sz)))
		}
	}
	return &wire.Response{Code: wire.CodeOk, Value: buf.Bytes()}
}

func infoPartition(ctx *Context, req *wire.Request) *wire.Response {
	var buf bytes.Buffer

	t := ctx.Registry.GetTable(req.Table)
	if t == nil {
		return &wire.Response{Code: wire.CodeNotFound, Msg: "no such table"}
	}

	for _, p := range t.AllPartitions() {
		if req.Partition != 0 && p.ID != req.Partition {
			continue
		}
		fmt.Fprintf(&buf, "partition:%d role:%v state:%v master:%s slaves:%d offset:%v\n",
			p.ID, p.Role(), p.State(), p.Master(), len(p.Slaves()), p.Offset())
	}
	return &wire.Response{Code: wire.CodeOk, Value: buf.Bytes()}
}
