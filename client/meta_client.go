package client

import (
	"net"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/wire"
)

// kMetaAttempt bounds the retry-on-different-node loop (ported from the
// zp_cluster.cc constant of the same name).
const kMetaAttempt = 2

// MetaClient rotates across a fixed set of meta nodes, retrying on a
// different node on failure, and reusing whatever connection is
// already open in preference to the sticky "current" one.
type MetaClient struct {
	metas []wire.Node
	pool  *connPool

	cur int
}

// NewMetaClient builds a client rotating across metas.
func NewMetaClient(metas []wire.Node, dial Dialer) *MetaClient {
	return &MetaClient{metas: metas, pool: newConnPool(dial), cur: randIndex(len(metas))}
}

// Pull fetches the full partition map for this node, implementing
// metapull.Puller.
func (c *MetaClient) Pull(self wire.Node) (int64, []wire.TableMap, error) {
	req := &wire.Request{Type: wire.TypePull, Node: self}
	resp, err := c.submit(req, 0)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	if resp.Code != wire.CodeOk {
		return 0, nil, errors.Errorf("metapull: pull rejected: %s", resp.Msg)
	}
	return resp.PullVersion, resp.PullTables, nil
}

// Do sends an arbitrary meta-admin request (INIT, SETMASTER, ADDSLAVE,
// ...), retrying on a rotated node per kMetaAttempt.
func (c *MetaClient) Do(req *wire.Request) (*wire.Response, error) {
	return c.submit(req, 0)
}

func (c *MetaClient) submit(req *wire.Request, attempt int) (*wire.Response, error) {
	node, conn, err := c.getConnection()
	if err != nil {
		return nil, errors.Trace(err)
	}

	resp, err := sendRecv(conn, req)
	if err != nil {
		c.pool.remove(node, conn)
		// move past the node that just failed so the retry dials the next one
		c.cur = (c.cur + 1) % len(c.metas)
		if attempt < kMetaAttempt {
			return c.submit(req, attempt+1)
		}
		return nil, errors.Trace(err)
	}
	return resp, nil
}

// getConnection reuses any already-open connection, else dials the
// sticky current meta, rotating through the rest of the list on
// failure (GetMetaConnection's behavior).
func (c *MetaClient) getConnection() (wire.Node, net.Conn, error) {
	if node, conn, ok := c.pool.existing(); ok {
		return node, conn, nil
	}

	n := len(c.metas)
	if n == 0 {
		return wire.Node{}, nil, errors.New("client: no meta nodes configured")
	}

	for i := 0; i < n; i++ {
		idx := (c.cur + i) % n
		node := c.metas[idx]
		conn, err := c.pool.get(node)
		if err == nil {
			c.cur = idx
			return node, conn, nil
		}
	}
	return wire.Node{}, nil, errors.New("client: failed to connect to any meta node")
}

// Close closes all pooled meta connections.
func (c *MetaClient) Close() { c.pool.closeAll() }
