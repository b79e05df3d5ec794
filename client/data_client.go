package client

import (
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/wire"
)

// kDataAttempt bounds TryDataRpc's retry-on-the-same-master loop
// (ported from the zp_cluster.cc constant of the same name). Unlike
// meta rotation, a data RPC always targets one fixed master; there is
// no other node to fail over to, so a retry just re-dials it.
const kDataAttempt = 2

// Cluster is the user-facing KV client: it caches the partition map
// pulled from meta and routes SET/GET/DEL directly to each key's
// partition master, re-pulling once and retrying on a stale route
// (spec.md §4.11), mirroring libzp::Cluster.
type Cluster struct {
	meta *MetaClient
	data *connPool
	cache *tableMapCache
}

// NewCluster builds a Cluster dialing metas for routing info and dial
// for data-node connections.
func NewCluster(metas []wire.Node, dial Dialer) *Cluster {
	return &Cluster{
		meta:  NewMetaClient(metas, dial),
		data:  newConnPool(dial),
		cache: newTableMapCache(),
	}
}

// Pull replaces the whole local partition map with a fresh one from meta.
func (c *Cluster) Pull() error {
	version, tables, err := c.meta.Pull(wire.Node{})
	if err != nil {
		return errors.Trace(err)
	}
	c.cache.reset(version, tables)
	return nil
}

// Set stores value at key in table.
func (c *Cluster) Set(table string, key, value []byte) error {
	resp, err := c.submitData(table, key, &wire.Request{Type: wire.TypeSet, Table: table, Key: key, Value: value}, false)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Code != wire.CodeOk {
		return errors.Errorf("client: set failed: %s", resp.Msg)
	}
	return nil
}

// Delete removes key from table.
func (c *Cluster) Delete(table string, key []byte) error {
	resp, err := c.submitData(table, key, &wire.Request{Type: wire.TypeDel, Table: table, Key: key}, false)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Code != wire.CodeOk {
		return errors.Errorf("client: delete failed: %s", resp.Msg)
	}
	return nil
}

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errors.New("client: key does not exist")

// Get fetches the value stored at key in table.
func (c *Cluster) Get(table string, key []byte) ([]byte, error) {
	resp, err := c.submitData(table, key, &wire.Request{Type: wire.TypeGet, Table: table, Key: key}, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch resp.Code {
	case wire.CodeOk:
		return resp.Value, nil
	case wire.CodeNotFound:
		return nil, ErrNotFound
	default:
		return nil, errors.Errorf("client: get failed: %s", resp.Msg)
	}
}

// submitData implements SubmitDataCmd: route by the local map, send,
// and on any failure pull once and retry before giving up.
func (c *Cluster) submitData(table string, key []byte, req *wire.Request, hasPulled bool) (*wire.Response, error) {
	master, err := c.cache.master(table, key)
	if err == nil {
		resp, rerr := c.tryDataRpc(master, req, 0)
		if rerr == nil {
			return resp, nil
		}
	}

	if hasPulled {
		if err != nil {
			return nil, errors.Trace(err)
		}
		return nil, errors.New("client: data rpc failed after meta pull")
	}

	if perr := c.Pull(); perr != nil {
		return nil, errors.Trace(perr)
	}
	return c.submitData(table, key, req, true)
}

func (c *Cluster) tryDataRpc(master wire.Node, req *wire.Request, attempt int) (*wire.Response, error) {
	conn, err := c.data.get(master)
	if err != nil {
		return nil, errors.Trace(err)
	}

	resp, err := sendRecv(conn, req)
	if err != nil {
		c.data.remove(master, conn)
		if attempt < kDataAttempt {
			return c.tryDataRpc(master, req, attempt+1)
		}
		return nil, errors.Trace(err)
	}

	if resp.Code == wire.CodeMove || resp.Code == wire.CodeNotLeader {
		// Either the partition moved (CodeMove) or our cached map still
		// names a node that has stepped down as master (CodeNotLeader);
		// resp.Move carries the redirect target either way. The caller's
		// submitData retry after a fresh Pull will pick up the new owner.
		return nil, errors.Errorf("client: partition not served here, moved to %s", resp.Move)
	}
	return resp, nil
}

// Close releases all pooled connections.
func (c *Cluster) Close() {
	c.meta.Close()
	c.data.closeAll()
}
