package client

import (
	"net"
	"testing"

	check "github.com/pingcap/check"

	"github.com/zp-project/zp/wire"
)

func Test(t *testing.T) { check.TestingT(t) }

type ClientSuite struct{}

var _ = check.Suite(&ClientSuite{})

func (s *ClientSuite) TestTableMapMasterLookup(c *check.C) {
	cache := newTableMapCache()
	master := wire.Node{IP: "10.0.0.1", Port: 7000}
	cache.reset(3, []wire.TableMap{
		{Name: "t1", PartitionCount: 4, Partitions: []wire.PartitionMeta{
			{ID: 0, Master: master},
		}},
	})

	_, err := cache.master("t1", []byte("some-key"))
	// key may or may not hash to partition 0; just assert the table is known
	// and an unplaced partition reports a clean error rather than a panic.
	if err != nil {
		c.Assert(err, check.ErrorMatches, ".*partition.*")
	}

	_, err = cache.master("unknown-table", []byte("k"))
	c.Assert(err, check.NotNil)
}

// fakeMetaServer accepts any number of connections and answers every
// request with whatever handle returns, used to drive MetaClient.Pull and
// Cluster.Pull without a real meta node.
func fakeMetaServer(c *check.C, handle func(req *wire.Request) *wire.Response) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					req := &wire.Request{}
					if err := wire.ReadMessage(conn, req); err != nil {
						return
					}
					if err := wire.WriteMessage(conn, handle(req)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func (s *ClientSuite) TestMetaClientPull(c *check.C) {
	ln := fakeMetaServer(c, func(req *wire.Request) *wire.Response {
		return &wire.Response{
			Code:        wire.CodeOk,
			PullVersion: 7,
			PullTables:  []wire.TableMap{{Name: "t1", PartitionCount: 1}},
		}
	})
	defer ln.Close()

	dial := func(n wire.Node) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	mc := NewMetaClient([]wire.Node{{IP: "127.0.0.1", Port: 1}}, dial)
	defer mc.Close()

	version, tables, err := mc.Pull(wire.Node{IP: "127.0.0.1", Port: 9000})
	c.Assert(err, check.IsNil)
	c.Assert(version, check.Equals, int64(7))
	c.Assert(tables, check.HasLen, 1)
}

func (s *ClientSuite) TestClusterSetGetRoundtrip(c *check.C) {
	values := map[string][]byte{}

	metaLn := fakeMetaServer(c, func(req *wire.Request) *wire.Response {
		return &wire.Response{Code: wire.CodeOk, PullVersion: 1}
	})
	defer metaLn.Close()

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer dataLn.Close()

	go func() {
		for {
			conn, err := dataLn.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					req := &wire.Request{}
					if err := wire.ReadMessage(conn, req); err != nil {
						return
					}
					resp := &wire.Response{Code: wire.CodeOk}
					switch req.Type {
					case wire.TypeSet:
						values[string(req.Key)] = req.Value
					case wire.TypeGet:
						v, ok := values[string(req.Key)]
						if !ok {
							resp.Code = wire.CodeNotFound
						} else {
							resp.Value = v
						}
					}
					if err := wire.WriteMessage(conn, resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	dial := func(n wire.Node) (net.Conn, error) {
		if n.Port == 1 {
			return net.Dial("tcp", metaLn.Addr().String())
		}
		return net.Dial("tcp", n.String())
	}
	cluster := NewCluster([]wire.Node{{IP: "127.0.0.1", Port: 1}}, dial)
	defer cluster.Close()

	c.Assert(cluster.Pull(), check.IsNil)

	// Cluster dials the master node directly using its advertised
	// IP:port, which here is dataLn's real address, so patch the cached
	// table map's master port to match the listener actually opened.
	cluster.cache.reset(1, []wire.TableMap{
		{Name: "t1", PartitionCount: 1, Partitions: []wire.PartitionMeta{
			{ID: 0, Master: wire.Node{IP: "127.0.0.1", Port: portOf(dataLn)}},
		}},
	})

	c.Assert(cluster.Set("t1", []byte("k"), []byte("v")), check.IsNil)

	got, err := cluster.Get("t1", []byte("k"))
	c.Assert(err, check.IsNil)
	c.Assert(string(got), check.Equals, "v")

	_, err = cluster.Get("t1", []byte("missing"))
	c.Assert(err, check.Equals, ErrNotFound)
}

func portOf(ln net.Listener) int32 {
	return int32(ln.Addr().(*net.TCPAddr).Port)
}

// TestClusterRetriesAfterNotLeaderRedirect exercises the stale-map retry
// contract: a cached master that has stepped down replies CodeNotLeader
// with the new owner in Move, and the client must pull a fresh map and
// retry there rather than surfacing the redirect response as success.
func (s *ClientSuite) TestClusterRetriesAfterNotLeaderRedirect(c *check.C) {
	values := map[string][]byte{}

	goodLn, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer goodLn.Close()
	goodNode := wire.Node{IP: "127.0.0.1", Port: portOf(goodLn)}

	go func() {
		for {
			conn, err := goodLn.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					req := &wire.Request{}
					if err := wire.ReadMessage(conn, req); err != nil {
						return
					}
					values[string(req.Key)] = req.Value
					wire.WriteMessage(conn, &wire.Response{Code: wire.CodeOk})
				}
			}(conn)
		}
	}()

	staleLn, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer staleLn.Close()

	go func() {
		for {
			conn, err := staleLn.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req := &wire.Request{}
				if err := wire.ReadMessage(conn, req); err != nil {
					return
				}
				// this node no longer masters the partition; redirect.
				wire.WriteMessage(conn, &wire.Response{Code: wire.CodeNotLeader, Move: goodNode})
			}(conn)
		}
	}()

	metaLn := fakeMetaServer(c, func(req *wire.Request) *wire.Response {
		return &wire.Response{
			Code:        wire.CodeOk,
			PullVersion: 2,
			PullTables: []wire.TableMap{
				{Name: "t1", PartitionCount: 1, Partitions: []wire.PartitionMeta{
					{ID: 0, Master: goodNode},
				}},
			},
		}
	})
	defer metaLn.Close()

	dial := func(n wire.Node) (net.Conn, error) {
		if n.Port == 1 {
			return net.Dial("tcp", metaLn.Addr().String())
		}
		return net.Dial("tcp", n.String())
	}
	cluster := NewCluster([]wire.Node{{IP: "127.0.0.1", Port: 1}}, dial)
	defer cluster.Close()

	// seed the cache with the stale master directly, so Set's first
	// attempt hits staleLn and must recover via a Pull-then-retry.
	cluster.cache.reset(1, []wire.TableMap{
		{Name: "t1", PartitionCount: 1, Partitions: []wire.PartitionMeta{
			{ID: 0, Master: wire.Node{IP: "127.0.0.1", Port: portOf(staleLn)}},
		}},
	})

	c.Assert(cluster.Set("t1", []byte("k"), []byte("v")), check.IsNil)
	c.Assert(string(values["k"]), check.Equals, "v")
}
