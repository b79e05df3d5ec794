package trysync

import (
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	check "github.com/pingcap/check"

	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/wire"
)

func Test(t *testing.T) { check.TestingT(t) }

type TrysyncSuite struct {
	dir string
}

var _ = check.Suite(&TrysyncSuite{})

func (s *TrysyncSuite) SetUpTest(c *check.C) {
	dir, err := ioutil.TempDir("", "zp-trysync-test")
	c.Assert(err, check.IsNil)
	s.dir = dir
}

func (s *TrysyncSuite) TearDownTest(c *check.C) {
	os.RemoveAll(s.dir)
}

func (s *TrysyncSuite) newPartition(c *check.C, name string) *partition.Partition {
	ns := []byte("t1/0")
	st, err := store.NewBoltStore(filepath.Join(s.dir, name+".db"), [][]byte{ns})
	c.Assert(err, check.IsNil)

	blog, err := binlog.CreateOrOpen(filepath.Join(s.dir, name+"-binlog"))
	c.Assert(err, check.IsNil)

	return partition.New(partition.Config{
		Table: "t1", ID: 0, Store: st, StoreNamespace: ns, Binlog: blog,
	})
}

// fakeController is a minimal rsync.Controller exercising only what
// trysync's WaitDBSync branch touches.
type fakeController struct {
	mu       sync.Mutex
	refs     int
	dir      string
	done     bool
	doneOff  wire.BinlogOffset
	pollHits int
}

func (f *fakeController) Ref(table string, partitionID int32, master wire.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	return nil
}

func (f *fakeController) Unref(table string, partitionID int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
}

func (f *fakeController) TryUpdateMasterOffset(table string, partitionID int32) (wire.BinlogOffset, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollHits++
	return f.doneOff, f.done, nil
}

func (f *fakeController) StageDir(table string, partitionID int32) string {
	return f.dir
}

// fakeMaster accepts one SYNC request and replies with resp, once.
func fakeMaster(c *check.C, resp *wire.Response) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req := &wire.Request{}
		if err := wire.ReadMessage(conn, req); err != nil {
			return
		}
		wire.WriteMessage(conn, resp)
	}()
	return ln
}

func waitFor(c *check.C, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatal("condition never became true")
}

func (s *TrysyncSuite) TestCodeOkTransitionsToActive(c *check.C) {
	ln := fakeMaster(c, &wire.Response{Code: wire.CodeOk})
	defer ln.Close()

	self := wire.Node{IP: "127.0.0.1", Port: 7000}
	master := wire.Node{IP: "127.0.0.1", Port: 8000}

	p := s.newPartition(c, "a")
	defer p.Close()
	p.UpdateFromMap(self, master, nil, "")
	c.Assert(p.State(), check.Equals, partition.StateTrySync)

	dial := func(n wire.Node) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	ctrl := &fakeController{dir: s.dir}
	w := New(self, dial, ctrl, 20*time.Millisecond)
	defer w.Close()

	w.AddSyncTask(p)

	waitFor(c, 2*time.Second, func() bool { return p.State() == partition.StateActive })
}

func (s *TrysyncSuite) TestCodeFallbackRewindsAndRetries(c *check.C) {
	fallbackOff := wire.BinlogOffset{FileNum: 3, Offset: 100}

	var hits int
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			req := &wire.Request{}
			wire.ReadMessage(conn, req)
			hits++
			if hits == 1 {
				wire.WriteMessage(conn, &wire.Response{Code: wire.CodeFallback, Fallback: fallbackOff})
			} else {
				wire.WriteMessage(conn, &wire.Response{Code: wire.CodeOk})
			}
			conn.Close()
		}
	}()

	self := wire.Node{IP: "127.0.0.1", Port: 7000}
	master := wire.Node{IP: "127.0.0.1", Port: 8000}

	p := s.newPartition(c, "b")
	defer p.Close()
	p.UpdateFromMap(self, master, nil, "")

	dial := func(n wire.Node) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	ctrl := &fakeController{dir: s.dir}
	w := New(self, dial, ctrl, 5*time.Millisecond)
	defer w.Close()

	w.AddSyncTask(p)

	waitFor(c, 2*time.Second, func() bool { return p.State() == partition.StateActive })
	c.Assert(p.Offset(), check.Equals, fallbackOff)

	// a kFallback reply must unref the bootstrap daemon just like kOk does,
	// or the daemon never sees its refcount return to zero.
	ctrl.mu.Lock()
	refs := ctrl.refs
	ctrl.mu.Unlock()
	c.Assert(refs, check.Equals, 0)
}

// TestCodeWaitLoadsSnapshotThenResumesTrySync exercises the previously
// unreachable redesigned path end to end: a kWait response parks the
// partition in WaitDBSync, the bootstrap daemon eventually reports the
// transfer done, the staged snapshot is loaded into the partition's own
// store namespace, and the worker falls through to a fresh TrySync attempt.
func (s *TrysyncSuite) TestCodeWaitLoadsSnapshotThenResumesTrySync(c *check.C) {
	self := wire.Node{IP: "127.0.0.1", Port: 7000}
	master := wire.Node{IP: "127.0.0.1", Port: 8000}

	p := s.newPartition(c, "c")
	defer p.Close()
	p.UpdateFromMap(self, master, nil, "")

	// stage a real snapshot another store dumped, for LoadSnapshot to pick up.
	srcNS := []byte("t1/0")
	src, err := store.NewBoltStore(filepath.Join(s.dir, "src.db"), [][]byte{srcNS})
	c.Assert(err, check.IsNil)
	c.Assert(src.Put(srcNS, []byte("k1"), []byte("v1")), check.IsNil)

	stageDir := filepath.Join(s.dir, "stage")
	c.Assert(os.MkdirAll(stageDir, 0700), check.IsNil)
	c.Assert(src.Snapshot(srcNS, stageDir), check.IsNil)
	c.Assert(src.Close(), check.IsNil)

	doneOff := wire.BinlogOffset{FileNum: 7, Offset: 42}
	ctrl := &fakeController{dir: stageDir}

	var hits int
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			req := &wire.Request{}
			wire.ReadMessage(conn, req)
			hits++
			if hits == 1 {
				wire.WriteMessage(conn, &wire.Response{Code: wire.CodeWait})
			} else {
				wire.WriteMessage(conn, &wire.Response{Code: wire.CodeOk})
			}
			conn.Close()
		}
	}()

	dial := func(n wire.Node) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	w := New(self, dial, ctrl, 5*time.Millisecond)
	defer w.Close()

	w.AddSyncTask(p)

	// first response is kWait: worker parks the partition in WaitDBSync
	// while it polls the (initially not-done) bootstrap daemon.
	waitFor(c, 2*time.Second, func() bool { return ctrl.pollHits > 0 })
	c.Assert(p.State(), check.Equals, partition.StateWaitDBSync)

	ctrl.mu.Lock()
	ctrl.done = true
	ctrl.doneOff = doneOff
	ctrl.mu.Unlock()

	waitFor(c, 2*time.Second, func() bool { return p.State() == partition.StateActive })
	c.Assert(p.Offset(), check.Equals, doneOff)

	st, ns := p.Store()
	v, err := st.Get(ns, []byte("k1"))
	c.Assert(err, check.IsNil)
	c.Assert(string(v), check.Equals, "v1")
}
