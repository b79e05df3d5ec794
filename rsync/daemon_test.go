package rsync

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	check "github.com/pingcap/check"

	"github.com/zp-project/zp/wire"
)

func Test(t *testing.T) { check.TestingT(t) }

type DaemonSuite struct {
	dir     string
	binPath string
}

var _ = check.Suite(&DaemonSuite{})

const fakeDaemonScript = `#!/bin/sh
echo started >> "$COUNTER_FILE"
sleep 5
`

func (s *DaemonSuite) SetUpTest(c *check.C) {
	dir, err := ioutil.TempDir("", "zp-rsync-test")
	c.Assert(err, check.IsNil)
	s.dir = dir

	bin := filepath.Join(dir, "fake-rsync.sh")
	c.Assert(ioutil.WriteFile(bin, []byte(fakeDaemonScript), 0755), check.IsNil)
	s.binPath = bin
}

func (s *DaemonSuite) TearDownTest(c *check.C) {
	os.RemoveAll(s.dir)
}

func (s *DaemonSuite) TestRefStartsSharedProcessOnceAndUnrefStops(c *check.C) {
	counterFile := filepath.Join(s.dir, "counter")
	c.Assert(os.Setenv("COUNTER_FILE", counterFile), check.IsNil)
	defer os.Unsetenv("COUNTER_FILE")

	stageDir := filepath.Join(s.dir, "stage")
	ctrl := NewProcessController(s.binPath, stageDir, wire.Node{IP: "127.0.0.1", Port: 7000})

	master := wire.Node{IP: "127.0.0.1", Port: 8000}
	// two different partitions bootstrapping concurrently must share the
	// one node-wide daemon process, not start one each.
	c.Assert(ctrl.Ref("t1", 0, master), check.IsNil)
	c.Assert(ctrl.Ref("t2", 1, master), check.IsNil)

	time.Sleep(100 * time.Millisecond)
	data, err := ioutil.ReadFile(counterFile)
	c.Assert(err, check.IsNil)
	c.Assert(string(data), check.Equals, "started\n")

	ctrl.Unref("t1", 0)
	// first Unref only drops one of the two refs, the shared daemon should
	// still be tracked as running.
	ctrl.mu.Lock()
	stillRunning := ctrl.refs > 0
	ctrl.mu.Unlock()
	c.Assert(stillRunning, check.Equals, true)

	ctrl.Unref("t2", 1)
	ctrl.mu.Lock()
	refs := ctrl.refs
	cmd := ctrl.cmd
	ctrl.mu.Unlock()
	c.Assert(refs, check.Equals, 0)
	c.Assert(cmd, check.IsNil)
}

func (s *DaemonSuite) TestRefAfterFullUnrefStartsAFreshProcess(c *check.C) {
	counterFile := filepath.Join(s.dir, "counter")
	c.Assert(os.Setenv("COUNTER_FILE", counterFile), check.IsNil)
	defer os.Unsetenv("COUNTER_FILE")

	stageDir := filepath.Join(s.dir, "stage")
	ctrl := NewProcessController(s.binPath, stageDir, wire.Node{IP: "127.0.0.1", Port: 7000})
	master := wire.Node{IP: "127.0.0.1", Port: 8000}

	c.Assert(ctrl.Ref("t1", 0, master), check.IsNil)
	ctrl.Unref("t1", 0)
	c.Assert(ctrl.Ref("t1", 0, master), check.IsNil)

	time.Sleep(100 * time.Millisecond)
	data, err := ioutil.ReadFile(counterFile)
	c.Assert(err, check.IsNil)
	c.Assert(string(data), check.Equals, "started\nstarted\n")

	ctrl.Unref("t1", 0)
}

func (s *DaemonSuite) TestTryUpdateMasterOffsetBeforeMarkerIsNotDone(c *check.C) {
	stageDir := filepath.Join(s.dir, "stage")
	ctrl := NewProcessController(s.binPath, stageDir, wire.Node{IP: "127.0.0.1", Port: 7000})

	off, done, err := ctrl.TryUpdateMasterOffset("t1", 0)
	c.Assert(err, check.IsNil)
	c.Assert(done, check.Equals, false)
	c.Assert(off, check.Equals, wire.BinlogOffset{})
}

func (s *DaemonSuite) TestTryUpdateMasterOffsetParsesMarker(c *check.C) {
	stageDir := filepath.Join(s.dir, "stage")
	ctrl := NewProcessController(s.binPath, stageDir, wire.Node{IP: "127.0.0.1", Port: 7000})

	dir := ctrl.StageDir("t1", 0)
	c.Assert(os.MkdirAll(dir, 0700), check.IsNil)
	c.Assert(ioutil.WriteFile(filepath.Join(dir, markerName), []byte("3 42"), 0644), check.IsNil)

	off, done, err := ctrl.TryUpdateMasterOffset("t1", 0)
	c.Assert(err, check.IsNil)
	c.Assert(done, check.Equals, true)
	c.Assert(off, check.Equals, wire.BinlogOffset{FileNum: 3, Offset: 42})
}

func (s *DaemonSuite) TestStageDirIncludesTableAndPartition(c *check.C) {
	stageDir := filepath.Join(s.dir, "stage")
	ctrl := NewProcessController(s.binPath, stageDir, wire.Node{IP: "127.0.0.1", Port: 7000})

	c.Assert(ctrl.StageDir("t1", 2), check.Equals, filepath.Join(stageDir, "t1", "2"))
}
