package binlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pingcap/errors"
)

// magic marks the start of every record; a mismatch signals either a
// misaligned read or tail corruption.
const magic uint32 = 0xfeed1234

// recordOverhead is magic(4) + size(8) + crc(4), matching the teacher's
// pump/decoder.go framing exactly so the "16 means magic+size+crc"
// offset arithmetic carries over unchanged.
const recordOverhead = 16

type encoder struct {
	w io.Writer
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w}
}

// encode writes one record: magic, length-of-payload, payload, crc32 of
// payload, all little-endian (matching the teacher's framing byte for
// byte so binlog-<n> files round-trip identically under binlog.Walk).
func (e *encoder) encode(payload []byte) error {
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], magic)
	binary.LittleEndian.PutUint64(head[4:12], uint64(len(payload)))

	if _, err := e.w.Write(head[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := e.w.Write(payload); err != nil {
		return errors.Trace(err)
	}

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.Checksum(payload, crcTable))
	if _, err := e.w.Write(crcBuf[:]); err != nil {
		return errors.Trace(err)
	}

	return nil
}
