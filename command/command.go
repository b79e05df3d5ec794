// Package command implements the request-kind -> handler command table
// (spec.md §2 "Command table", §4.6 step 1). Each Cmd variant carries a
// static Flags() classification (read/write/admin/suspend), matching the
// tagged-sum-over-request-kinds redesign spec.md §9 calls for, in place of
// the original's per-command dynamic-dispatch class hierarchy.
package command

import (
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// Flag classifies a command's static properties.
type Flag uint32

// Command flag bits, mirroring zp_data_server.cc's kCmdFlags* constants.
const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagAdmin
	FlagSuspend
)

// Has reports whether f includes bit.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Context is everything a Cmd handler needs to serve one request: the
// partition registry for routing, and this node's own identity (to decide
// whether a write may proceed locally or must bounce to the real master).
type Context struct {
	Registry *partition.Registry
	Self     wire.Node
}

// Cmd is one request-kind's handler. Handlers return the response to
// send; errors are reserved for conditions the framework itself should
// turn into a transport-level close (they should be rare — most failure
// modes are expressed as a Response with a non-OK Code).
type Cmd interface {
	Flags() Flag
	Execute(ctx *Context, req *wire.Request) (*wire.Response, error)
}

// Table maps a wire.Type to its Cmd.
type Table struct {
	cmds map[wire.Type]Cmd
}

// NewTable builds the command table with every handler spec.md §6 lists
// for the Client->Data surface, mirroring
// zp_data_server.cc's InitClientCmdTable.
func NewTable() *Table {
	t := &Table{cmds: make(map[wire.Type]Cmd)}
	t.cmds[wire.TypeSet] = &SetCmd{}
	t.cmds[wire.TypeGet] = &GetCmd{}
	t.cmds[wire.TypeDel] = &DelCmd{}
	info := &InfoCmd{}
	t.cmds[wire.TypeInfoStats] = info
	t.cmds[wire.TypeInfoCapacity] = info
	t.cmds[wire.TypeInfoPartition] = info
	t.cmds[wire.TypeSync] = &SyncCmd{}
	return t
}

// Lookup returns the Cmd for typ, or nil if unknown.
func (t *Table) Lookup(typ wire.Type) Cmd {
	return t.cmds[typ]
}

// SetSyncRegistrar wires the replication sender pool into the SYNC
// handler once it exists; server construction calls this after both the
// command table and the sender pool are built, breaking what would
// otherwise be an import cycle between command and replication.
func (t *Table) SetSyncRegistrar(r SyncRegistrar) {
	t.cmds[wire.TypeSync] = &SyncCmd{Registrar: r}
}
