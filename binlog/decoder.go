package binlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pingcap/errors"
)

// decoder decodes a stream of records written by encoder, tracking the
// offset of the record it is about to return.
type decoder struct {
	br     *bufio.Reader
	offset uint64
}

func newDecoder(offset uint64, r io.Reader) *decoder {
	return &decoder{br: bufio.NewReader(r), offset: offset}
}

// decode reads the next record into payload, returning the offset it
// started at. io.EOF is returned (not wrapped) when the stream ends on a
// record boundary, io.ErrUnexpectedEOF when it ends partway through a
// record (a truncated tail), and ErrCorruption for a bad magic number or
// crc.
func (d *decoder) decode() (payload []byte, at uint64, err error) {
	var head [12]byte
	if _, err = io.ReadFull(d.br, head[:]); err != nil {
		if err == io.EOF {
			return nil, d.offset, io.EOF
		}
		return nil, d.offset, io.ErrUnexpectedEOF
	}

	gotMagic := binary.LittleEndian.Uint32(head[0:4])
	if gotMagic != magic {
		return nil, d.offset, ErrCorruption
	}
	size := binary.LittleEndian.Uint64(head[4:12])

	data := make([]byte, size+4)
	if _, err = io.ReadFull(d.br, data); err != nil {
		return nil, d.offset, io.ErrUnexpectedEOF
	}

	payload = data[:size]
	wantCrc := binary.LittleEndian.Uint32(data[size:])
	if crc32.Checksum(payload, crcTable) != wantCrc {
		return nil, d.offset, ErrCorruption
	}

	at = d.offset
	d.offset += uint64(recordOverhead) + size
	return payload, at, nil
}
