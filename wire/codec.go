package wire

import (
	"encoding/binary"
	"io"

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
)

// MaxMessageSize bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxMessageSize = 128 * 1024 * 1024

// WriteMessage frames msg as a 4-byte big-endian length followed by its
// protobuf-encoded payload, and writes it to w.
func WriteMessage(w io.Writer, msg proto.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return errors.Trace(err)
	}

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
	if _, err := w.Write(head[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and unmarshals it
// into msg.
func ReadMessage(r io.Reader, msg proto.Message) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(head[:])
	if size > MaxMessageSize {
		return errors.Errorf("wire: frame size %d exceeds max %d", size, MaxMessageSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	return errors.Trace(proto.Unmarshal(payload, msg))
}

// Reset/String/ProtoMessage make the wire types satisfy proto.Message so
// they can be passed to proto.Marshal/Unmarshal's reflection path.

func (r *Request) Reset()         { *r = Request{} }
func (r *Request) String() string { return proto.CompactTextString(r) }
func (*Request) ProtoMessage()    {}

func (r *Response) Reset()         { *r = Response{} }
func (r *Response) String() string { return proto.CompactTextString(r) }
func (*Response) ProtoMessage()    {}

func (s *SyncRequest) Reset()         { *s = SyncRequest{} }
func (s *SyncRequest) String() string { return proto.CompactTextString(s) }
func (*SyncRequest) ProtoMessage()    {}
