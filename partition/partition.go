// Package partition implements one replica of one shard: its role,
// state machine, KV store handle and binlog, and the write/read path
// that keeps apply order, binlog append order and per-follower send
// order identical (spec.md §4.2, §5).
package partition

import (
	"strconv"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/metrics"
	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/wire"
)

// State is one node in spec.md §4.2's state machine.
type State int32

// Partition states, in the order spec.md §4.2 introduces them.
const (
	StateNew State = iota
	StateTrySync
	StateWaitDBSync
	StateActive
	StateStuck
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateTrySync:
		return "TrySync"
	case StateWaitDBSync:
		return "WaitDBSync"
	case StateActive:
		return "Active"
	case StateStuck:
		return "Stuck"
	case StateLeaving:
		return "Leaving"
	default:
		return "Unknown"
	}
}

// Role is master or slave, always in lock-step with whether Master
// equals this node (spec.md §3 invariant: role = master iff master ==
// this_node).
type Role int32

// Partition roles.
const (
	RoleSlave Role = iota
	RoleMaster
)

// Sink is the collaborator a Partition calls out to when its role/state
// implies action elsewhere: enqueuing a send task after a local write, or
// pushing itself onto the TrySync worker's queue after a transition that
// requires catch-up. Kept as an interface (rather than a direct pointer
// to replication/trysync types) to avoid an import cycle, per spec.md §9's
// "cyclic references" design note.
type Sink interface {
	// OnLocalCommit is called after a successful master-side write, with
	// the new tail offset, so a per-(partition,follower) send task can be
	// created or advanced.
	OnLocalCommit(p *Partition, offset wire.BinlogOffset)
	// OnNeedsSync is called whenever the partition enters a state that
	// requires a TrySync handshake (New->TrySync, or a divergence
	// detected on the receive path).
	OnNeedsSync(p *Partition)
}

// Partition is one replica of one shard.
type Partition struct {
	Table string
	ID    int32

	store   store.Store
	storeNS []byte
	blog    binlog.Binlog
	sink    Sink

	// writeMu serializes apply+append+offset-advance on the master path
	// and on the follower receive path, so commit order, append order and
	// send-cursor order are always identical (spec.md §4.2, §5).
	writeMu sync.Mutex

	// stateMu guards role/state/master/slaves; held only briefly.
	stateMu sync.RWMutex
	role    Role
	state   State
	master  wire.Node
	slaves  map[wire.Node]struct{}

	// localIsMaster records whether this process's own Node is Master,
	// independent from role (role is derived from it, kept separately so
	// UpdateFromMap can detect the transition cleanly).
	localIsMaster bool

	offset atomic.Value // wire.BinlogOffset

	lastTrySyncAttempt time.Time
}

// Config bundles a Partition's fixed, creation-time dependencies.
type Config struct {
	Table string
	ID    int32
	Store store.Store
	// StoreNamespace is this partition's bucket within Store, typically
	// "<table>/<id>".
	StoreNamespace []byte
	Binlog         binlog.Binlog
	Sink           Sink
	Self           wire.Node
}

// New creates a Partition in state New, per spec.md §4.2.
func New(cfg Config) *Partition {
	p := &Partition{
		Table:   cfg.Table,
		ID:      cfg.ID,
		store:   cfg.Store,
		storeNS: cfg.StoreNamespace,
		blog:    cfg.Binlog,
		sink:    cfg.Sink,
		state:   StateNew,
		slaves:  make(map[wire.Node]struct{}),
	}
	p.offset.Store(cfg.Binlog.LatestOffset())
	return p
}

// Offset returns the partition's current append position: the value the
// last local or replicated Append returned, or whatever SetBinlogOffset
// last stored. Right after a segment rotation it is the end of the old
// segment while the binlog's LatestOffset is the start of the new one.
func (p *Partition) Offset() wire.BinlogOffset {
	return p.offset.Load().(wire.BinlogOffset)
}

// SetBinlogOffset forcibly repositions the partition's bookkeeping offset
// without touching the binlog itself; used by the TrySync worker on a
// fallback reply (master told us to rewind/fast-forward our expectation)
// and after a completed snapshot bootstrap, per
// spec.md §4.2's "GetBinlogOffset/SetBinlogOffset" operation.
func (p *Partition) SetBinlogOffset(off wire.BinlogOffset) {
	p.offset.Store(off)
}

func (p *Partition) Role() Role {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.role
}

func (p *Partition) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Partition) Master() wire.Node {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.master
}

// Slaves returns a snapshot of the current slave set.
func (p *Partition) Slaves() []wire.Node {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	out := make([]wire.Node, 0, len(p.slaves))
	for n := range p.slaves {
		out = append(out, n)
	}
	return out
}

// HandleWrite applies cmd to the store, appends it to the binlog and
// advances the offset, all under one mutex so commit order == append
// order == send-cursor order (spec.md §4.2 write path, §5 ordering).
// cmd must already be the final serialized command (apply(cmd) is
// idempotent per spec.md §8 round-trip property).
func (p *Partition) HandleWrite(apply func(s store.Store, ns []byte) error, cmd []byte) (wire.BinlogOffset, error) {
	if !p.canWrite() {
		return wire.BinlogOffset{}, ErrNotLeader
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	// Re-check under the write lock: a concurrent state transition (e.g.
	// meta-pull demoting this node) must not let an in-flight write land
	// after the role has flipped.
	if !p.canWrite() {
		return wire.BinlogOffset{}, ErrNotLeader
	}

	if err := apply(p.store, p.storeNS); err != nil {
		p.markStuck("store apply failed: %v", err)
		return wire.BinlogOffset{}, errors.Trace(err)
	}

	next, err := p.blog.Append(cmd)
	if err != nil {
		p.markStuck("binlog append failed: %v", err)
		return wire.BinlogOffset{}, errors.Trace(err)
	}
	p.offset.Store(next)

	if p.sink != nil {
		p.sink.OnLocalCommit(p, next)
	}
	return next, nil
}

func (p *Partition) canWrite() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.role == RoleMaster && p.state == StateActive
}

// HandleRead reports whether a read may proceed locally: on the master
// always, on a slave only once Active (spec.md §4.2 role discipline).
func (p *Partition) HandleRead() error {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	if p.role == RoleMaster {
		if p.state == StateStuck {
			// A master that was Active and became Stuck mid-migration
			// still serves reads (spec.md §4.2's Stuck description).
			return nil
		}
		return nil
	}
	if p.state == StateActive {
		return nil
	}
	return ErrUnavailable
}

// Store exposes the underlying engine + namespace for read handlers.
func (p *Partition) Store() (store.Store, []byte) {
	return p.store, p.storeNS
}

// ReadAt reads the single binlog record starting at from, for the
// replication sender (spec.md §4.7).
func (p *Partition) ReadAt(from wire.BinlogOffset) ([]byte, wire.BinlogOffset, error) {
	return p.blog.ReadAt(from)
}

// EarliestOffset reports the oldest offset this partition's binlog can
// still serve, used to decide whether a follower's requested cursor
// requires a kFallback or a full snapshot bootstrap.
func (p *Partition) EarliestOffset() wire.BinlogOffset {
	return p.blog.EarliestOffset()
}

// Purge removes binlog segments entirely older than keep and maxAge
// (spec.md §4.10 BGPurge). keep is normally the oldest cursor any
// follower still being actively replicated to has not yet passed.
func (p *Partition) Purge(keep wire.BinlogOffset, maxAge time.Duration) error {
	return errors.Trace(p.blog.GC(keep, maxAge))
}

// ApplyReplicated applies a command received from the master over the
// replication stream, enforcing that expected equals the partition's
// current offset exactly (spec.md §4.8: "no gap is ever observed").
func (p *Partition) ApplyReplicated(apply func(s store.Store, ns []byte) error, cmd []byte, expected wire.BinlogOffset) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	cur := p.Offset()
	if cur != expected {
		return ErrDivergent
	}

	if err := apply(p.store, p.storeNS); err != nil {
		p.markStuck("replicated apply failed: %v", err)
		return errors.Trace(err)
	}

	next, err := p.blog.Append(cmd)
	if err != nil {
		p.markStuck("replicated append failed: %v", err)
		return errors.Trace(err)
	}
	p.offset.Store(next)
	return nil
}

// UpdateFromMap reconciles this partition's role/state/peers with one
// entry of a freshly pulled partition map (spec.md §4.4 step 2).
func (p *Partition) UpdateFromMap(self wire.Node, master wire.Node, slaves []wire.Node, metaState string) {
	p.stateMu.Lock()

	wasRole := p.role
	p.master = master
	p.localIsMaster = !master.IsZero() && master == self
	if p.localIsMaster {
		p.role = RoleMaster
	} else {
		p.role = RoleSlave
	}

	p.slaves = make(map[wire.Node]struct{}, len(slaves))
	for _, s := range slaves {
		if s != master {
			p.slaves[s] = struct{}{}
		}
	}

	needsSync := false
	switch p.state {
	case StateNew:
		if p.localIsMaster {
			p.state = StateActive
		} else {
			p.state = StateTrySync
			needsSync = true
		}
	case StateStuck:
		if metaState == "Stuck" {
			// stays Stuck; meta still reports migration in progress
		}
	}
	roleFlipped := wasRole != p.role
	p.stateMu.Unlock()

	if roleFlipped {
		log.Infof("partition %s/%d: role changed to %v (master=%v)", p.Table, p.ID, p.role, master)
	}
	if needsSync && p.sink != nil {
		p.sink.OnNeedsSync(p)
	}
}

// ShouldTrySync reports whether a TrySync handshake is still needed.
func (p *Partition) ShouldTrySync() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state == StateTrySync
}

// ShouldWaitDBSync reports whether a snapshot bootstrap is in progress.
func (p *Partition) ShouldWaitDBSync() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state == StateWaitDBSync
}

// SetWaitDBSync transitions TrySync -> WaitDBSync on a master kWait
// response (spec.md §4.9 step 4).
func (p *Partition) SetWaitDBSync() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = StateWaitDBSync
}

// WaitDBSyncDone transitions WaitDBSync -> TrySync. It only changes the
// state: the caller loads the staged snapshot into the store beforehand,
// and no residual binlog is replayed.
func (p *Partition) WaitDBSyncDone() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = StateTrySync
}

// TrySyncDone transitions TrySync -> Active on a successful handshake
// (spec.md §4.2).
func (p *Partition) TrySyncDone() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = StateActive
}

// MarkDivergent drops a follower back to TrySync after the receive path
// detects a non-matching sync_offset (spec.md §4.8).
func (p *Partition) MarkDivergent() {
	p.stateMu.Lock()
	p.state = StateTrySync
	p.stateMu.Unlock()
	if p.sink != nil {
		p.sink.OnNeedsSync(p)
	}
}

func (p *Partition) markStuck(format string, args ...interface{}) {
	p.stateMu.Lock()
	p.state = StateStuck
	p.stateMu.Unlock()
	log.Errorf("partition %s/%d stuck: "+format, append([]interface{}{p.Table, p.ID}, args...)...)
}

// Leave transitions the partition toward destruction; actual resource
// release is deferred to the caller once in-flight work has drained
// (spec.md §3 "Lifecycles", §9 cleanup note).
func (p *Partition) Leave() {
	p.stateMu.Lock()
	p.state = StateLeaving
	p.stateMu.Unlock()
}

// Close releases the partition's binlog handle. The KV store itself is
// owned by the table/registry (it may be shared across partitions of the
// same table) and is not closed here.
func (p *Partition) Close() error {
	return p.blog.Close()
}

// Dump logs this partition's current state, mirroring
// zp_data_server.cc's DumpTablePartitions.
func (p *Partition) Dump() {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	log.Infof("partition %s/%d role=%v state=%v master=%v slaves=%d offset=%v",
		p.Table, p.ID, p.role, p.state, p.master, len(p.slaves), p.Offset())
}

// DoTimingTask runs this partition's periodic housekeeping: re-notifying
// the sink whenever the partition is in TrySync (however long it has been
// there), and refreshing this partition's exported state gauge, matching the
// cron hook spec.md §4.2 names as DoTimingTask.
func (p *Partition) DoTimingTask() {
	p.reportMetrics()
	if p.ShouldTrySync() && p.sink != nil {
		p.sink.OnNeedsSync(p)
	}
}

// reportMetrics sets this partition's current-state gauge, clearing the
// gauge for every other state so charts show a clean step function.
func (p *Partition) reportMetrics() {
	cur := p.State()
	table, id := p.Table, strconv.Itoa(int(p.ID))
	for s := StateNew; s <= StateLeaving; s++ {
		v := 0.0
		if s == cur {
			v = 1.0
		}
		metrics.PartitionState.WithLabelValues(table, id, s.String()).Set(v)
	}
	metrics.BinlogOffset.WithLabelValues(table, id).Set(float64(p.Offset().FileNum))
}

// Errors surfaced by the partition operations above, classified per
// spec.md §7.
var (
	ErrNotLeader  = errors.New("partition: not leader")
	ErrUnavailable = errors.New("partition: unavailable")
	ErrDivergent  = errors.New("partition: divergent offset")
)
