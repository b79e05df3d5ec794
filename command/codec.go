package command

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/wire"
)

// encodeCmd serializes the portion of req needed to replay a write
// (type/table/key/value) into the bytes stored in the binlog and shipped
// to followers. Reusing wire.Request itself avoids a second message
// shape for what is structurally the same data (spec.md §6's "commands
// stored in the binlog are exactly the ones a follower would apply").
func encodeCmd(req *wire.Request) ([]byte, error) {
	slim := &wire.Request{Type: req.Type, Table: req.Table, Key: req.Key, Value: req.Value}
	b, err := proto.Marshal(slim)
	return b, errors.Trace(err)
}

// decodeCmd is the follower-side inverse of encodeCmd, used by the
// replication receive path to reconstruct the apply closure.
func decodeCmd(cmd []byte) (*wire.Request, error) {
	req := &wire.Request{}
	if err := proto.Unmarshal(cmd, req); err != nil {
		return nil, errors.Trace(err)
	}
	return req, nil
}

// DecodeCmd exports decodeCmd for the replication package, which needs to
// turn a raw binlog command back into an applier without re-implementing
// this package's encoding.
func DecodeCmd(cmd []byte) (*wire.Request, error) { return decodeCmd(cmd) }

// EncodeCmd exports encodeCmd for callers outside this package (currently
// the replication tests) that need to produce the same binlog-command
// bytes the write handlers do.
func EncodeCmd(req *wire.Request) ([]byte, error) { return encodeCmd(req) }

// Apply runs req's effect (currently SET/DEL) against a store namespace,
// shared by the local write path and the replicated-apply path so the two
// can never diverge in what "applying a command" means.
func Apply(req *wire.Request) func(s store.Store, ns []byte) error {
	switch req.Type {
	case wire.TypeSet:
		return func(s store.Store, ns []byte) error { return s.Put(ns, req.Key, req.Value) }
	case wire.TypeDel:
		return func(s store.Store, ns []byte) error { return s.Delete(ns, req.Key) }
	default:
		return func(s store.Store, ns []byte) error { return nil }
	}
}
