package dispatch

import (
	"io/ioutil"
	"net"
	"os"
	"testing"

	check "github.com/pingcap/check"

	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/command"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/wire"
)

func Test(t *testing.T) { check.TestingT(t) }

type DispatchSuite struct {
	dir string
}

var _ = check.Suite(&DispatchSuite{})

func (s *DispatchSuite) SetUpTest(c *check.C) {
	dir, err := ioutil.TempDir("", "zp-dispatch-")
	c.Assert(err, check.IsNil)
	s.dir = dir
}

func (s *DispatchSuite) TearDownTest(c *check.C) {
	os.RemoveAll(s.dir)
}

func (s *DispatchSuite) TestServeSetGetRoundtrip(c *check.C) {
	self := wire.Node{IP: "127.0.0.1", Port: 8000}

	ns := []byte("t1/0")
	st, err := store.NewBoltStore(s.dir+"/data.db", [][]byte{ns})
	c.Assert(err, check.IsNil)

	blog, err := binlog.CreateOrOpen(s.dir + "/log")
	c.Assert(err, check.IsNil)

	p := partition.New(partition.Config{Table: "t1", ID: 0, Store: st, StoreNamespace: ns, Binlog: blog, Self: self})
	p.UpdateFromMap(self, self, nil, "")

	reg := partition.NewRegistry()
	tbl := reg.GetOrAddTable("t1")
	tbl.SetPartitionCount(1)
	tbl.UpsertPartition(p)

	cmdTable := command.NewTable()
	cmdCtx := &command.Context{Registry: reg, Self: self}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)

	d := NewDispatcher(ln, 2, cmdTable, cmdCtx)
	go d.Serve()
	defer d.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	c.Assert(err, check.IsNil)
	defer conn.Close()

	setReq := &wire.Request{Type: wire.TypeSet, Table: "t1", Key: []byte("k"), Value: []byte("v")}
	c.Assert(wire.WriteMessage(conn, setReq), check.IsNil)

	resp := &wire.Response{}
	c.Assert(wire.ReadMessage(conn, resp), check.IsNil)
	c.Assert(resp.Code, check.Equals, wire.CodeOk)

	getReq := &wire.Request{Type: wire.TypeGet, Table: "t1", Key: []byte("k")}
	c.Assert(wire.WriteMessage(conn, getReq), check.IsNil)

	resp = &wire.Response{}
	c.Assert(wire.ReadMessage(conn, resp), check.IsNil)
	c.Assert(resp.Code, check.Equals, wire.CodeOk)
	c.Assert(string(resp.Value), check.Equals, "v")

	total := uint64(0)
	for _, w := range d.Workers() {
		total += w.Stats().TotalQueries()
	}
	c.Assert(total, check.Equals, uint64(2))
}
