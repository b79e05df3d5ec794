package binlog

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/errors"
	zfile "github.com/zp-project/zp/pkg/fileutil"
	"github.com/zp-project/zp/wire"
)

// fileBinlog is the concrete Binlog backing one partition's log
// directory: <log_path>/<table>/<partition_id>/binlog-00000000000000000000,
// binlog-00000000000000000001, ...
type fileBinlog struct {
	mu sync.Mutex

	dir string

	file    *os.File
	encoder *encoder
	curSeq  uint32
	curOff  uint64 // append offset within the current (last) segment

	earliest wire.BinlogOffset
}

// CreateOrOpen opens dir's existing segments for append, or creates the
// directory with a fresh segment 0 if it does not yet exist.
func CreateOrOpen(dir string) (Binlog, error) {
	if err := zfile.CreateDirAll(dir); err != nil {
		return nil, errors.Trace(err)
	}

	names, err := readSegmentNames(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if len(names) == 0 {
		return create(dir)
	}
	return open(dir, names)
}

func create(dir string) (Binlog, error) {
	p := filepath.Join(dir, segmentName(0))
	f, err := zfile.LockFile(p, os.O_WRONLY|os.O_CREATE, zfile.PrivateFileMode)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &fileBinlog{
		dir:     dir,
		file:    f.File,
		encoder: newEncoder(f.File),
		curSeq:  0,
		curOff:  0,
	}, nil
}

func open(dir string, names []string) (Binlog, error) {
	if !isGapFreeRun(names) {
		return nil, ErrCorruption
	}

	lastName := names[len(names)-1]
	lastSeq, err := parseSegmentName(lastName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	firstSeq, err := parseSegmentName(names[0])
	if err != nil {
		return nil, errors.Trace(err)
	}

	p := filepath.Join(dir, lastName)
	f, err := zfile.TryLockFile(p, os.O_RDWR, zfile.PrivateFileMode)
	if err != nil {
		return nil, errors.Trace(err)
	}

	offset, truncated, err := recoverTail(f.File)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if truncated {
		if err := f.Truncate(int64(offset)); err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, errors.Trace(err)
		}
	}

	return &fileBinlog{
		dir:      dir,
		file:     f.File,
		encoder:  newEncoder(f.File),
		curSeq:   lastSeq,
		curOff:   offset,
		earliest: wire.BinlogOffset{FileNum: firstSeq, Offset: 0},
	}, nil
}

// recoverTail scans f from the start, decoding records until it hits a
// clean EOF (offset is the append point) or a truncated trailing record,
// one cut short by the end of the file (offset is where that partial
// record began; truncated=true tells the caller to cut the file there).
// A record with a bad magic number or crc is NOT truncated, wherever it
// sits in the file: it is surfaced as ErrCorruption, fatal to the
// partition rather than a recovery-time truncation.
func recoverTail(f *os.File) (offset uint64, truncated bool, err error) {
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return 0, false, errors.Trace(err)
	}

	d := newDecoder(0, f)
	var last uint64
	for {
		_, at, derr := d.decode()
		if derr == nil {
			last = d.offset
			continue
		}
		if derr == io.EOF {
			return last, false, nil
		}
		if derr == io.ErrUnexpectedEOF {
			return at, true, nil
		}
		return 0, false, errors.Trace(derr)
	}
}

func (b *fileBinlog) Append(cmd []byte) (wire.BinlogOffset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(cmd) == 0 {
		return wire.BinlogOffset{FileNum: b.curSeq, Offset: b.curOff}, nil
	}

	if err := b.encoder.encode(cmd); err != nil {
		return wire.BinlogOffset{}, errors.Trace(err)
	}
	b.curOff += uint64(recordOverhead + len(cmd))

	next := wire.BinlogOffset{FileNum: b.curSeq, Offset: b.curOff}

	if int64(b.curOff) >= SegmentSizeBytes {
		if err := b.rotate(); err != nil {
			return wire.BinlogOffset{}, errors.Trace(err)
		}
	}

	return next, nil
}

func (b *fileBinlog) rotate() error {
	newSeq := b.curSeq + 1
	p := filepath.Join(b.dir, segmentName(newSeq))

	newFile, err := zfile.LockFile(p, os.O_WRONLY|os.O_CREATE, zfile.PrivateFileMode)
	if err != nil {
		return errors.Trace(err)
	}

	if err := b.file.Close(); err != nil {
		return errors.Trace(err)
	}

	b.file = newFile.File
	b.encoder = newEncoder(b.file)
	b.curSeq = newSeq
	b.curOff = 0
	return nil
}

func (b *fileBinlog) ReadAt(from wire.BinlogOffset) ([]byte, wire.BinlogOffset, error) {
	var result []byte
	next := from

	_, err := b.walk(from, nil, func(cmd []byte, at wire.BinlogOffset, nextAt wire.BinlogOffset) error {
		result = cmd
		next = nextAt
		return errStopAfterOne
	})
	if err != nil && err != errStopAfterOne {
		return nil, from, err
	}
	if result == nil {
		return nil, from, ErrFileNotFound
	}
	return result, next, nil
}

func (b *fileBinlog) Walk(from wire.BinlogOffset, done <-chan struct{}, fn func(cmd []byte, at wire.BinlogOffset) error) (wire.BinlogOffset, error) {
	return b.walk(from, done, func(cmd []byte, at wire.BinlogOffset, _ wire.BinlogOffset) error {
		return fn(cmd, at)
	})
}

var errStopAfterOne = errors.New("binlog: internal stop-after-one sentinel")

func (b *fileBinlog) walk(from wire.BinlogOffset, done <-chan struct{}, fn func(cmd []byte, at, next wire.BinlogOffset) error) (wire.BinlogOffset, error) {
	names, err := readSegmentNames(b.dir)
	if err != nil {
		return from, errors.Trace(err)
	}

	idx, ok := searchSegment(names, from.FileNum)
	if !ok {
		return from, ErrFileNotFound
	}

	latest := from
	for _, name := range names[idx:] {
		select {
		case <-done:
			return latest, nil
		default:
		}

		seq, _ := parseSegmentName(name)
		f, err := os.OpenFile(filepath.Join(b.dir, name), os.O_RDONLY, zfile.PrivateFileMode)
		if err != nil {
			return latest, errors.Trace(err)
		}

		startOff := uint64(0)
		if seq == from.FileNum {
			startOff = from.Offset
			if _, err := f.Seek(int64(startOff), io.SeekStart); err != nil {
				f.Close()
				return latest, errors.Trace(err)
			}
		}

		d := newDecoder(startOff, f)
		for {
			select {
			case <-done:
				f.Close()
				return latest, nil
			default:
			}

			cmd, at, derr := d.decode()
			if derr == io.EOF {
				break
			}
			if derr != nil {
				f.Close()
				return latest, errors.Trace(derr)
			}

			atOffset := wire.BinlogOffset{FileNum: seq, Offset: at}
			nextOffset := wire.BinlogOffset{FileNum: seq, Offset: d.offset}
			if err := fn(cmd, atOffset, nextOffset); err != nil {
				f.Close()
				return nextOffset, err
			}
			latest = nextOffset
		}
		f.Close()
	}

	return latest, nil
}

func (b *fileBinlog) Truncate(off wire.BinlogOffset) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off.FileNum != b.curSeq {
		return errors.Errorf("binlog: truncate only supported on the current segment (%d), got %d", b.curSeq, off.FileNum)
	}

	if err := b.file.Truncate(int64(off.Offset)); err != nil {
		return errors.Trace(err)
	}
	if _, err := b.file.Seek(int64(off.Offset), io.SeekStart); err != nil {
		return errors.Trace(err)
	}
	b.curOff = off.Offset
	b.encoder = newEncoder(b.file)
	return nil
}

func (b *fileBinlog) EarliestOffset() wire.BinlogOffset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earliest
}

func (b *fileBinlog) LatestOffset() wire.BinlogOffset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return wire.BinlogOffset{FileNum: b.curSeq, Offset: b.curOff}
}

func (b *fileBinlog) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Trace(b.file.Sync())
}

// GC removes segments strictly older than keep and older than maxAge,
// always leaving the current segment in place.
func (b *fileBinlog) GC(keep wire.BinlogOffset, maxAge time.Duration) error {
	names, err := readSegmentNames(b.dir)
	if err != nil {
		return errors.Trace(err)
	}
	if len(names) <= 1 {
		return nil
	}

	now := time.Now()
	for _, name := range names[:len(names)-1] {
		seq, err := parseSegmentName(name)
		if err != nil {
			continue
		}

		p := filepath.Join(b.dir, name)
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}

		if seq < keep.FileNum && now.Sub(fi.ModTime()) > maxAge {
			if err := os.Remove(p); err != nil {
				return errors.Trace(err)
			}
		}
	}

	remaining, err := readSegmentNames(b.dir)
	if err != nil {
		return errors.Trace(err)
	}
	first, err := parseSegmentName(remaining[0])
	if err != nil {
		return errors.Trace(err)
	}

	b.mu.Lock()
	b.earliest = wire.BinlogOffset{FileNum: first, Offset: 0}
	b.mu.Unlock()
	return nil
}

func (b *fileBinlog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Trace(b.file.Close())
}

func readSegmentNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "binlog-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func parseSegmentName(name string) (uint32, error) {
	s := strings.TrimPrefix(name, "binlog-")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint32(n), nil
}

func isGapFreeRun(names []string) bool {
	var prev uint32
	for i, name := range names {
		seq, err := parseSegmentName(name)
		if err != nil {
			return false
		}
		if i > 0 && seq != prev+1 {
			return false
		}
		prev = seq
	}
	return true
}

func searchSegment(names []string, fileNum uint32) (int, bool) {
	for i, name := range names {
		seq, err := parseSegmentName(name)
		if err != nil {
			continue
		}
		if seq == fileNum {
			return i, true
		}
	}
	return 0, false
}
