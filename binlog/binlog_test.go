package binlog

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	check "github.com/pingcap/check"

	"github.com/zp-project/zp/wire"
)

func Test(t *testing.T) { check.TestingT(t) }

type BinlogSuite struct {
	dir string
}

var _ = check.Suite(&BinlogSuite{})

func (s *BinlogSuite) SetUpTest(c *check.C) {
	dir, err := ioutil.TempDir("", "zp-binlog-test")
	c.Assert(err, check.IsNil)
	s.dir = dir
}

func (s *BinlogSuite) TearDownTest(c *check.C) {
	os.RemoveAll(s.dir)
}

func (s *BinlogSuite) TestAppendReadAtRoundtrip(c *check.C) {
	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	start := b.LatestOffset()
	next, err := b.Append([]byte("hello"))
	c.Assert(err, check.IsNil)
	c.Assert(next != start, check.Equals, true)

	cmd, after, err := b.ReadAt(start)
	c.Assert(err, check.IsNil)
	c.Assert(string(cmd), check.Equals, "hello")
	c.Assert(after, check.Equals, next)
}

func (s *BinlogSuite) TestWalkVisitsEveryRecordInOrder(c *check.C) {
	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	start := b.LatestOffset()
	for _, cmd := range []string{"a", "b", "c"} {
		_, err := b.Append([]byte(cmd))
		c.Assert(err, check.IsNil)
	}

	var seen []string
	last, err := b.Walk(start, nil, func(cmd []byte, at wire.BinlogOffset) error {
		seen = append(seen, string(cmd))
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Assert(seen, check.DeepEquals, []string{"a", "b", "c"})
	c.Assert(last, check.Equals, b.LatestOffset())
}

func (s *BinlogSuite) TestTruncateDropsTrailingRecord(c *check.C) {
	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	mark, err := b.Append([]byte("keep"))
	c.Assert(err, check.IsNil)
	_, err = b.Append([]byte("drop"))
	c.Assert(err, check.IsNil)

	c.Assert(b.Truncate(mark), check.IsNil)
	c.Assert(b.LatestOffset(), check.Equals, mark)

	_, _, err = b.ReadAt(mark)
	c.Assert(err, check.NotNil)
}

func (s *BinlogSuite) TestRotationCreatesNewSegment(c *check.C) {
	old := SegmentSizeBytes
	SegmentSizeBytes = 1
	defer func() { SegmentSizeBytes = old }()

	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	start := b.LatestOffset()

	_, err = b.Append([]byte("x"))
	c.Assert(err, check.IsNil)
	_, err = b.Append([]byte("y"))
	c.Assert(err, check.IsNil)

	// every record exceeds the 1-byte segment threshold, so each Append
	// rotates in a fresh segment: two appends leave three segment files
	// (0, 1, 2) and the current tail strictly past where it started.
	names, err := readSegmentNames(s.dir)
	c.Assert(err, check.IsNil)
	c.Assert(names, check.HasLen, 3)
	c.Assert(b.LatestOffset().FileNum > start.FileNum, check.Equals, true)
}

func (s *BinlogSuite) TestReopenRecoversAppendPosition(c *check.C) {
	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)

	next, err := b.Append([]byte("persisted"))
	c.Assert(err, check.IsNil)
	c.Assert(b.Close(), check.IsNil)

	reopened, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer reopened.Close()

	c.Assert(reopened.LatestOffset(), check.Equals, next)

	cmd, _, err := reopened.ReadAt(wire.BinlogOffset{})
	c.Assert(err, check.IsNil)
	c.Assert(string(cmd), check.Equals, "persisted")
}

func (s *BinlogSuite) TestGCRemovesOldSegmentsPastMaxAge(c *check.C) {
	old := SegmentSizeBytes
	SegmentSizeBytes = 1
	defer func() { SegmentSizeBytes = old }()

	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	for _, cmd := range []string{"a", "b", "c"} {
		_, err := b.Append([]byte(cmd))
		c.Assert(err, check.IsNil)
	}

	latest := b.LatestOffset()
	c.Assert(b.GC(latest, 0), check.IsNil)
	c.Assert(b.EarliestOffset(), check.Equals, wire.BinlogOffset{FileNum: latest.FileNum, Offset: 0})

	names, err := readSegmentNames(s.dir)
	c.Assert(err, check.IsNil)
	c.Assert(names, check.HasLen, 1)
}

func (s *BinlogSuite) TestGCKeepsLatestSegmentUntouchedWithinMaxAge(c *check.C) {
	b, err := CreateOrOpen(s.dir)
	c.Assert(err, check.IsNil)
	defer b.Close()

	c.Assert(b.GC(b.LatestOffset(), time.Hour), check.IsNil)

	names, err := readSegmentNames(s.dir)
	c.Assert(err, check.IsNil)
	c.Assert(names, check.HasLen, 1)
}
