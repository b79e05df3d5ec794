// Package rsync controls the external, rsync-style snapshot-transfer
// daemon used to bootstrap a cold follower's KV store (spec.md §4.9,
// §4.10). The daemon itself is out of scope (spec.md §1: "an external
// rsync-style process controlled by start/stop calls"); this package is
// only the ref-counted controller interface plus a process-exec-backed
// implementation, grounded on the teacher's pattern of shelling out to an
// external helper rather than reimplementing file transfer in process
// (pump/binlogctl's subprocess launches).
package rsync

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/wire"
)

// Controller starts/stops the snapshot-transfer daemon on demand and
// checks for the completion marker it leaves behind once a follower's
// bootstrap copy finishes.
type Controller interface {
	// Ref starts the daemon if this is the first outstanding partition
	// needing bootstrap; otherwise just increments the ref count.
	Ref(table string, partitionID int32, master wire.Node) error
	// Unref decrements the ref count, stopping the daemon once it reaches
	// zero.
	Unref(table string, partitionID int32)
	// TryUpdateMasterOffset reports whether the daemon has finished
	// copying files for (table, partitionID): done is true once the
	// completion marker is present, in which case off is the offset the
	// marker recorded as the snapshot's consistent cut point.
	TryUpdateMasterOffset(table string, partitionID int32) (off wire.BinlogOffset, done bool, err error)
	// StageDir returns the directory a bootstrap transfer for (table,
	// partitionID) lands in, so the caller can load the staged snapshot
	// into the partition's own store.
	StageDir(table string, partitionID int32) string
}

// markerName is the file the daemon writes into each partition's staging
// directory once its copy completes, carrying "<file_num> <offset>".
const markerName = "_zp_sync_done"

// ProcessController launches a single configured external binary (e.g.
// rsync itself, wrapped in a small shell script that also drops
// per-partition completion markers) shared by the whole node, ref-counted
// so the first partition needing bootstrap starts it and the last one to
// finish stops it (spec.md §4.9: one daemon per node, listening on the
// node's single fixed rsync ingress port, not one process per partition).
type ProcessController struct {
	binPath  string
	stageDir string
	self     wire.Node

	mu   sync.Mutex
	cmd  *exec.Cmd
	refs int
}

// NewProcessController builds a Controller that shells out to binPath,
// staging transfers under stageDir/<table>/<partition_id>/.
func NewProcessController(binPath, stageDir string, self wire.Node) *ProcessController {
	return &ProcessController{binPath: binPath, stageDir: stageDir, self: self}
}

func (c *ProcessController) dir(table string, id int32) string {
	return filepath.Join(c.stageDir, table, fmt.Sprintf("%d", id))
}

// Ref starts the node-wide daemon if this is the first outstanding
// partition needing bootstrap; otherwise it just increments the shared
// refcount. Either way it (re)creates this partition's staging directory
// and clears its completion marker; master is not used. The daemon
// process itself is started once per node and serves every partition
// currently bootstrapping through it.
func (c *ProcessController) Ref(table string, partitionID int32, master wire.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.dir(table, partitionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Trace(err)
	}
	os.Remove(filepath.Join(dir, markerName))

	if c.refs > 0 {
		c.refs++
		return nil
	}

	moduleName := fmt.Sprintf("zp-%s", c.self)
	cmd := exec.Command(c.binPath, "--module", moduleName, "--dest", c.stageDir)
	if err := cmd.Start(); err != nil {
		return errors.Trace(err)
	}

	c.cmd = cmd
	c.refs = 1
	return nil
}

// Unref drops this caller's reference; once no partition on this node
// still needs the daemon, the single shared process is killed.
func (c *ProcessController) Unref(table string, partitionID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd = nil
}

// TryUpdateMasterOffset polls for the completion marker file the daemon
// drops once its transfer finishes.
func (c *ProcessController) TryUpdateMasterOffset(table string, partitionID int32) (wire.BinlogOffset, bool, error) {
	marker := filepath.Join(c.dir(table, partitionID), markerName)

	data, err := os.ReadFile(marker)
	if os.IsNotExist(err) {
		return wire.BinlogOffset{}, false, nil
	}
	if err != nil {
		return wire.BinlogOffset{}, false, errors.Trace(err)
	}

	var fileNum uint32
	var offset uint64
	if _, err := fmt.Sscanf(string(data), "%d %d", &fileNum, &offset); err != nil {
		return wire.BinlogOffset{}, false, errors.Trace(err)
	}
	return wire.BinlogOffset{FileNum: fileNum, Offset: offset}, true, nil
}

// StageDir returns the directory a bootstrap transfer for (table,
// partitionID) lands in, so the partition can reopen its store from it.
func (c *ProcessController) StageDir(table string, partitionID int32) string {
	return c.dir(table, partitionID)
}
