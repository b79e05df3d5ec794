// Package replication implements the binlog sender pool (master side)
// and the receiver + per-partition-shard dispatch workers (follower
// side), spec.md §4.7 and §4.8. The fixed-worker-pool-over-a-shared-task-
// map shape is this package's own contribution (the teacher's pump never
// pushes binlog to a peer, only serves pulls), grounded in spec.md §4.7
// as the primary source and in the teacher's connection-pool-with-lazy-
// reconnect idiom (pump/server.go's per-cluster dispatcher map).
package replication

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/metrics"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// Dialer opens a replication connection to a peer data node.
type Dialer func(node wire.Node) (net.Conn, error)

type taskKey struct {
	Table       string
	PartitionID int32
	Follower    wire.Node
}

type sendTask struct {
	key taskKey

	mu     sync.Mutex
	cursor wire.BinlogOffset
	busy   bool
}

// SenderPool is the fixed pool of N worker goroutines sharing one task
// map keyed by (table, partition_id, follower) (spec.md §4.7).
type SenderPool struct {
	registry  *partition.Registry
	dial      Dialer
	batchSize int

	mu    sync.Mutex
	tasks map[taskKey]*sendTask

	connMu sync.Mutex
	conns  map[wire.Node]net.Conn

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSenderPool builds a pool of numWorkers goroutines. batchSize caps how
// many consecutive records one worker drains from a task before yielding
// to give other tasks a turn (spec.md §4.7 "yields ... to be fair").
func NewSenderPool(registry *partition.Registry, dial Dialer, numWorkers, batchSize int) *SenderPool {
	p := &SenderPool{
		registry:  registry,
		dial:      dial,
		batchSize: batchSize,
		tasks:     make(map[taskKey]*sendTask),
		conns:     make(map[wire.Node]net.Conn),
		closing:   make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

// AddNewTask inserts a new (table, partition, follower) send task, or
// replaces its cursor if one already exists. A replace on an in-flight
// task is only observed once the worker currently holding it finishes its
// record: the worker advances the cursor only if it was not replaced while
// that record was being sent.
func (p *SenderPool) AddNewTask(table string, partitionID int32, follower wire.Node, cursor wire.BinlogOffset) {
	key := taskKey{Table: table, PartitionID: partitionID, Follower: follower}

	p.mu.Lock()
	t, ok := p.tasks[key]
	if !ok {
		t = &sendTask{key: key}
		p.tasks[key] = t
	}
	p.mu.Unlock()

	t.mu.Lock()
	t.cursor = cursor
	t.mu.Unlock()
}

// RemoveTask drops a task, used when a follower is removed from a
// partition's slave set or this node loses mastership of it.
func (p *SenderPool) RemoveTask(table string, partitionID int32, follower wire.Node) {
	key := taskKey{Table: table, PartitionID: partitionID, Follower: follower}
	p.mu.Lock()
	delete(p.tasks, key)
	p.mu.Unlock()
}

// TaskFilenum returns the task's cursor file_num, -1 if no such task
// exists, or -2 if a worker currently holds it (spec.md §4.7).
func (p *SenderPool) TaskFilenum(table string, partitionID int32, follower wire.Node) int64 {
	key := taskKey{Table: table, PartitionID: partitionID, Follower: follower}

	p.mu.Lock()
	t, ok := p.tasks[key]
	p.mu.Unlock()
	if !ok {
		return -1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return -2
	}
	return int64(t.cursor.FileNum)
}

// MinTaskCursor returns the oldest cursor among every follower this
// partition currently ships binlog to, used by BGPurge to avoid deleting
// a segment a follower hasn't caught up past yet (spec.md §4.10 BGPurge,
// §4.1 "at least one slave has replicated past the segment"). ok is false
// if the partition currently has no registered send tasks.
func (p *SenderPool) MinTaskCursor(table string, partitionID int32) (cursor wire.BinlogOffset, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, t := range p.tasks {
		if key.Table != table || key.PartitionID != partitionID {
			continue
		}
		t.mu.Lock()
		c := t.cursor
		t.mu.Unlock()

		if !ok || c.Less(cursor) {
			cursor = c
			ok = true
		}
	}
	return cursor, ok
}

// Close stops every worker and closes all pooled peer connections.
func (p *SenderPool) Close() {
	close(p.closing)
	p.wg.Wait()

	p.connMu.Lock()
	for n, c := range p.conns {
		c.Close()
		delete(p.conns, n)
	}
	p.connMu.Unlock()
}

func (p *SenderPool) runWorker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.closing:
			return
		default:
		}

		task := p.pickIdleTask()
		if task == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.serveTask(task)
	}
}

func (p *SenderPool) pickIdleTask() *sendTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		t.mu.Lock()
		if !t.busy {
			t.busy = true
			t.mu.Unlock()
			return t
		}
		t.mu.Unlock()
	}
	return nil
}

func (p *SenderPool) serveTask(t *sendTask) {
	defer func() {
		t.mu.Lock()
		t.busy = false
		t.mu.Unlock()
	}()

	part := p.registry.GetTablePartitionByID(t.key.Table, t.key.PartitionID)
	if part == nil || part.Role() != partition.RoleMaster || !hasSlave(part, t.key.Follower) {
		p.RemoveTask(t.key.Table, t.key.PartitionID, t.key.Follower)
		return
	}

	conn, err := p.getConn(t.key.Follower)
	if err != nil {
		log.Warnf("replication: sender dial %v failed: %v", t.key.Follower, err)
		time.Sleep(500 * time.Millisecond)
		return
	}

	for i := 0; i < p.batchSize; i++ {
		t.mu.Lock()
		cursor := t.cursor
		t.mu.Unlock()

		cmd, next, err := part.ReadAt(cursor)
		if err == binlog.ErrFileNotFound {
			return // caught up to tail; stays idle until AddNewTask/OnLocalCommit bumps it
		}
		if err != nil {
			log.Errorf("replication: sender read %s/%d at %v: %v", t.key.Table, t.key.PartitionID, cursor, err)
			p.dropConn(t.key.Follower)
			time.Sleep(500 * time.Millisecond)
			return
		}

		frame := &wire.SyncRequest{
			Table:       t.key.Table,
			PartitionID: t.key.PartitionID,
			SyncOffset:  cursor,
			Command:     cmd,
		}
		if err := wire.WriteMessage(conn, frame); err != nil {
			log.Warnf("replication: sender write to %v failed: %v", t.key.Follower, err)
			p.dropConn(t.key.Follower)
			time.Sleep(500 * time.Millisecond)
			return
		}

		t.mu.Lock()
		if t.cursor == cursor {
			t.cursor = next
		}
		t.mu.Unlock()
	}
}

// StartSync implements command.SyncRegistrar: it is the master-side entry
// point for a follower's TrySync handshake (spec.md §4.9 step 3).
//
// Three outcomes: from is older than anything the binlog still retains
// (CodeWait — the caller must snapshot-bootstrap the follower before
// incremental replication can resume); from is ahead of the partition's
// own tail, which only happens if the follower saw offsets this master
// never wrote (CodeFallback realigning it to the current tail, safe
// since nothing up to that point has been purged); otherwise the task is
// started in place (CodeOk).
func (p *SenderPool) StartSync(table string, partitionID int32, follower wire.Node, from wire.BinlogOffset) (wire.Code, wire.BinlogOffset) {
	part := p.registry.GetTablePartitionByID(table, partitionID)
	if part == nil {
		return wire.CodeError, wire.BinlogOffset{}
	}

	earliest := part.EarliestOffset()
	if from.Less(earliest) {
		return wire.CodeWait, wire.BinlogOffset{}
	}

	latest := part.Offset()
	if latest.Less(from) {
		return wire.CodeFallback, latest
	}

	p.AddNewTask(table, partitionID, follower, from)
	return wire.CodeOk, wire.BinlogOffset{}
}

// OnLocalCommit implements partition.Sink's master-side half. Send tasks
// are driven by the worker pool's own spin-poll of each task's cursor
// (serveTask re-reads the tail every turn), so a new commit needs no
// wakeup here; this hook instead refreshes the exported per-follower lag
// gauge so it reflects the partition's new tail immediately rather than
// waiting for that follower's next send turn.
func (p *SenderPool) OnLocalCommit(part *partition.Partition, offset wire.BinlogOffset) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, t := range p.tasks {
		if key.Table != part.Table || key.PartitionID != part.ID {
			continue
		}
		t.mu.Lock()
		lag := float64(offset.FileNum) - float64(t.cursor.FileNum)
		t.mu.Unlock()

		metrics.SendTaskLag.WithLabelValues(key.Table, strconv.Itoa(int(key.PartitionID)), key.Follower.String()).Set(lag)
	}
}

func hasSlave(p *partition.Partition, node wire.Node) bool {
	for _, s := range p.Slaves() {
		if s == node {
			return true
		}
	}
	return false
}

func (p *SenderPool) getConn(node wire.Node) (net.Conn, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if c, ok := p.conns[node]; ok {
		return c, nil
	}
	c, err := p.dial(node)
	if err != nil {
		return nil, err
	}
	p.conns[node] = c
	return c, nil
}

func (p *SenderPool) dropConn(node wire.Node) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if c, ok := p.conns[node]; ok {
		c.Close()
		delete(p.conns, node)
	}
}
