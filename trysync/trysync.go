// Package trysync implements the single TrySync background worker
// (spec.md §4.9): it drives a follower partition's catch-up handshake
// with its master, and supervises snapshot bootstrap through the rsync
// daemon controller while the partition sits in WaitDBSync.
package trysync

import (
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/rsync"
	"github.com/zp-project/zp/wire"
)

// Dialer opens a connection to a partition's master for the SYNC
// handshake.
type Dialer func(node wire.Node) (net.Conn, error)

// Worker is the single-threaded TrySync loop.
type Worker struct {
	self   wire.Node
	dial   Dialer
	daemon rsync.Controller
	backoff time.Duration

	queue chan *partition.Partition

	mu     sync.Mutex
	queued map[*partition.Partition]struct{}

	closing chan struct{}
	wg      sync.WaitGroup
}

// New builds a TrySync worker. backoff bounds the sleep between retries
// on a single outstanding task (kWait/transport-error paths); a kFallback
// reply re-enqueues the task with no backoff.
func New(self wire.Node, dial Dialer, daemon rsync.Controller, backoff time.Duration) *Worker {
	w := &Worker{
		self:    self,
		dial:    dial,
		daemon:  daemon,
		backoff: backoff,
		queue:   make(chan *partition.Partition, 4096),
		queued:  make(map[*partition.Partition]struct{}),
		closing: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// AddSyncTask pushes p onto the queue if it is not already pending
// (spec.md §4.9: "partition objects push themselves"). This also serves
// as partition.Sink.OnNeedsSync.
func (w *Worker) AddSyncTask(p *partition.Partition) {
	w.mu.Lock()
	if _, ok := w.queued[p]; ok {
		w.mu.Unlock()
		return
	}
	w.queued[p] = struct{}{}
	w.mu.Unlock()

	select {
	case w.queue <- p:
	case <-w.closing:
	}
}

// OnNeedsSync implements partition.Sink for the subset of Sink this
// worker fulfills; callers compose it with a replication Sink to get the
// full interface (server package does this).
func (w *Worker) OnNeedsSync(p *partition.Partition) { w.AddSyncTask(p) }

// Close stops the worker goroutine. In-flight tasks are abandoned.
func (w *Worker) Close() {
	close(w.closing)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closing:
			return
		case p := <-w.queue:
			w.mu.Lock()
			delete(w.queued, p)
			w.mu.Unlock()
			w.process(p)
		}
	}
}

func (w *Worker) process(p *partition.Partition) {
	if p.ShouldWaitDBSync() {
		off, done, err := w.daemon.TryUpdateMasterOffset(p.Table, p.ID)
		if err != nil {
			log.Warnf("trysync: %s/%d poll bootstrap marker: %v", p.Table, p.ID, err)
			w.requeueAfter(p, w.backoff)
			return
		}
		if !done {
			w.requeueAfter(p, w.backoff)
			return
		}

		s, ns := p.Store()
		snapshot := filepath.Join(w.daemon.StageDir(p.Table, p.ID), "snapshot.db")
		if err := s.LoadSnapshot(ns, snapshot); err != nil {
			log.Errorf("trysync: %s/%d load bootstrap snapshot: %v", p.Table, p.ID, err)
			w.requeueAfter(p, w.backoff)
			return
		}

		p.SetBinlogOffset(off)
		p.WaitDBSyncDone()
		w.daemon.Unref(p.Table, p.ID)
		// falls through to re-evaluate TrySync immediately below
	}

	if !p.ShouldTrySync() {
		return
	}

	master := p.Master()
	conn, err := w.dial(master)
	if err != nil {
		log.Warnf("trysync: %s/%d dial master %v: %v", p.Table, p.ID, master, err)
		w.requeueAfter(p, w.backoff)
		return
	}
	defer conn.Close()

	if err := w.daemon.Ref(p.Table, p.ID, master); err != nil {
		log.Warnf("trysync: %s/%d ref bootstrap daemon: %v", p.Table, p.ID, err)
	}

	req := &wire.Request{
		Type:       wire.TypeSync,
		Table:      p.Table,
		Partition:  p.ID,
		Node:       w.self,
		SyncOffset: p.Offset(),
	}
	if err := wire.WriteMessage(conn, req); err != nil {
		w.daemon.Unref(p.Table, p.ID)
		log.Warnf("trysync: %s/%d send SYNC: %v", p.Table, p.ID, err)
		w.requeueAfter(p, w.backoff)
		return
	}

	resp := &wire.Response{}
	if err := wire.ReadMessage(conn, resp); err != nil {
		w.daemon.Unref(p.Table, p.ID)
		log.Warnf("trysync: %s/%d read SYNC response: %v", p.Table, p.ID, err)
		w.requeueAfter(p, w.backoff)
		return
	}

	switch resp.Code {
	case wire.CodeOk:
		p.TrySyncDone()
		w.daemon.Unref(p.Table, p.ID)
	case wire.CodeFallback:
		p.SetBinlogOffset(resp.Fallback)
		w.daemon.Unref(p.Table, p.ID)
		w.AddSyncTask(p)
	case wire.CodeWait:
		p.SetWaitDBSync()
		w.requeueAfter(p, w.backoff)
	default:
		log.Warnf("trysync: %s/%d master replied %v: %s", p.Table, p.ID, resp.Code, resp.Msg)
		w.daemon.Unref(p.Table, p.ID)
		w.requeueAfter(p, w.backoff)
	}
}

// requeueAfter re-enqueues p once backoff elapses, off the worker
// goroutine so the single TrySync thread keeps servicing other tasks in
// the meantime.
func (w *Worker) requeueAfter(p *partition.Partition, backoff time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-time.After(backoff):
			w.AddSyncTask(p)
		case <-w.closing:
		}
	}()
}
