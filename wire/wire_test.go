package wire

import (
	"bytes"
	"io"
	"testing"

	check "github.com/pingcap/check"
)

func Test(t *testing.T) { check.TestingT(t) }

type WireSuite struct{}

var _ = check.Suite(&WireSuite{})

func (s *WireSuite) TestNodeIsZero(c *check.C) {
	c.Assert(Node{}.IsZero(), check.Equals, true)
	c.Assert(Node{IP: "127.0.0.1"}.IsZero(), check.Equals, false)
	c.Assert(Node{Port: 1}.IsZero(), check.Equals, false)
}

func (s *WireSuite) TestNodeLessOrdersByIPThenPort(c *check.C) {
	a := Node{IP: "10.0.0.1", Port: 9000}
	b := Node{IP: "10.0.0.2", Port: 1}
	c.Assert(a.Less(b), check.Equals, true)
	c.Assert(b.Less(a), check.Equals, false)

	x := Node{IP: "10.0.0.1", Port: 1}
	y := Node{IP: "10.0.0.1", Port: 2}
	c.Assert(x.Less(y), check.Equals, true)
	c.Assert(y.Less(x), check.Equals, false)
}

func (s *WireSuite) TestBinlogOffsetLessOrdersByFileNumThenOffset(c *check.C) {
	a := BinlogOffset{FileNum: 1, Offset: 100}
	b := BinlogOffset{FileNum: 2, Offset: 0}
	c.Assert(a.Less(b), check.Equals, true)
	c.Assert(b.Less(a), check.Equals, false)

	x := BinlogOffset{FileNum: 1, Offset: 1}
	y := BinlogOffset{FileNum: 1, Offset: 2}
	c.Assert(x.Less(y), check.Equals, true)
	c.Assert(y.Less(x), check.Equals, false)

	c.Assert(a.Less(a), check.Equals, false)
}

func (s *WireSuite) TestTypeAndCodeStringersCoverKnownValues(c *check.C) {
	c.Assert(TypeSet.String(), check.Equals, "SET")
	c.Assert(TypePing.String(), check.Equals, "PING")
	c.Assert(Type(999).String(), check.Equals, "UNKNOWN")

	c.Assert(CodeOk.String(), check.Equals, "OK")
	c.Assert(CodeFallback.String(), check.Equals, "FALLBACK")
	c.Assert(Code(999).String(), check.Equals, "UNKNOWN_CODE")
}

func (s *WireSuite) TestWriteMessageFramesWithBigEndianLengthPrefix(c *check.C) {
	var buf bytes.Buffer
	req := &Request{Type: TypeGet, Table: "t1", Key: []byte("k")}
	c.Assert(WriteMessage(&buf, req), check.IsNil)

	var head [4]byte
	_, err := io.ReadFull(&buf, head[:])
	c.Assert(err, check.IsNil)

	payloadLen := int(head[0])<<24 | int(head[1])<<16 | int(head[2])<<8 | int(head[3])
	c.Assert(payloadLen, check.Equals, buf.Len())
}

func (s *WireSuite) TestWriteReadMessageRoundtripsRequest(c *check.C) {
	var buf bytes.Buffer
	req := &Request{
		Type:      TypeSync,
		Table:     "t1",
		Partition: 3,
		Node:      Node{IP: "127.0.0.1", Port: 7000},
		SyncOffset: BinlogOffset{FileNum: 2, Offset: 50},
	}
	c.Assert(WriteMessage(&buf, req), check.IsNil)

	got := &Request{}
	c.Assert(ReadMessage(&buf, got), check.IsNil)

	c.Assert(got.Type, check.Equals, TypeSync)
	c.Assert(got.Table, check.Equals, "t1")
	c.Assert(got.Partition, check.Equals, int32(3))
	c.Assert(got.Node, check.Equals, Node{IP: "127.0.0.1", Port: 7000})
	c.Assert(got.SyncOffset, check.Equals, BinlogOffset{FileNum: 2, Offset: 50})
}

func (s *WireSuite) TestReadMessageRejectsOversizedFrame(c *check.C) {
	var buf bytes.Buffer
	var head [4]byte
	head[0] = 0xFF
	head[1] = 0xFF
	head[2] = 0xFF
	head[3] = 0xFF
	buf.Write(head[:])

	got := &Request{}
	err := ReadMessage(&buf, got)
	c.Assert(err, check.NotNil)
}

func (s *WireSuite) TestReadMessageReturnsUnexpectedEOFOnTruncatedPayload(c *check.C) {
	var buf bytes.Buffer
	var head [4]byte
	head[3] = 10
	buf.Write(head[:])
	buf.Write([]byte("short"))

	got := &Request{}
	err := ReadMessage(&buf, got)
	c.Assert(err, check.Equals, io.ErrUnexpectedEOF)
}
