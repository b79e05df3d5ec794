// Package binlog implements the ordered, durable, append-only per-
// partition log of serialized write commands described in spec.md §4.1.
// Segments are files named by a monotonically increasing file number;
// each segment is bounded to SegmentSizeBytes before the writer rotates
// to a new one. Framing and rotation are ported from the teacher's
// pump/binlogger.go and pump/decoder.go.
package binlog

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/pingcap/errors"
	"github.com/zp-project/zp/wire"
)

// SegmentSizeBytes is the max threshold of one segment file's size before
// a new one is rotated in. Exported so the server can apply its configured
// segment size and tests can shrink it to exercise rollover without
// writing hundreds of megabytes.
var SegmentSizeBytes int64 = 512 * 1024 * 1024

var (
	// ErrFileNotFound is returned when a requested offset's segment no
	// longer exists (it has been purged or never existed).
	ErrFileNotFound = errors.New("binlog: segment file not found")
	// ErrCorruption is returned when a record's crc does not match its
	// payload, or the segment directory's file list is not a valid,
	// gap-free run of segment numbers.
	ErrCorruption = errors.New("binlog: content is corrupted")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// Binlog is the append-only per-partition write log.
type Binlog interface {
	// Append writes one serialized command and returns the offset
	// immediately following it within the segment it was written to. When
	// that append fills the segment and a new one is rotated in, the
	// returned value is still (old file_num, old segment size), while
	// LatestOffset reports (new file_num, 0); ReadAt/Walk treat the two as
	// the same position.
	Append(cmd []byte) (wire.BinlogOffset, error)

	// ReadAt reads the single record starting at from, returning its
	// payload and the offset immediately following it.
	ReadAt(from wire.BinlogOffset) (cmd []byte, next wire.BinlogOffset, err error)

	// Walk decodes records starting at from and calls fn with each one
	// until fn returns an error, the end of the last segment is reached,
	// or ctx-like cancellation is requested via the done channel. It
	// returns the offset immediately following the last record passed to
	// fn (from itself if none was).
	Walk(from wire.BinlogOffset, done <-chan struct{}, fn func(cmd []byte, at wire.BinlogOffset) error) (wire.BinlogOffset, error)

	// Truncate discards everything at or after off. Used only during
	// crash recovery to drop a partial trailing record; it never rewrites
	// a confirmed prefix.
	Truncate(off wire.BinlogOffset) error

	// EarliestOffset and LatestOffset bound what ReadAt/Walk can serve.
	EarliestOffset() wire.BinlogOffset
	LatestOffset() wire.BinlogOffset

	// Sync flushes buffered writes to stable storage. The partition write
	// path controls cadence (spec.md §9: fsync policy is unpinned).
	Sync() error

	// GC removes segments whose highest offset is below keep and older
	// than maxAge, leaving the current (last) segment untouched.
	GC(keep wire.BinlogOffset, maxAge time.Duration) error

	Close() error
}

func segmentName(fileNum uint32) string {
	return fmt.Sprintf("binlog-%020d", fileNum)
}
