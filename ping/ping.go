// Package ping implements the single heartbeat worker (spec.md §4.5): it
// periodically reports this node's epoch and partition offsets to a
// randomly-selected meta node, and wakes the meta-pull worker on an
// epoch mismatch.
package ping

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// Dialer opens a connection to a meta node.
type Dialer func(addr wire.Node) (net.Conn, error)

// EpochUpdater is notified when a ping response carries an epoch that
// differs from the one this node currently knows (spec.md §4.5's
// TryUpdateEpoch).
// metapull.Worker implements this.
type EpochUpdater interface {
	TryUpdateEpoch(remote int64)
	Epoch() int64
}

// Worker is the dedicated ping loop.
type Worker struct {
	self     wire.Node
	metas    []wire.Node
	dial     Dialer
	registry *partition.Registry
	updater  EpochUpdater
	interval time.Duration

	mu       sync.Mutex
	selected wire.Node
	conn     net.Conn
	hasConn  bool

	closing chan struct{}
	wg      sync.WaitGroup
}

// New builds a ping worker over the given meta address list.
func New(self wire.Node, metas []wire.Node, dial Dialer, registry *partition.Registry, updater EpochUpdater, interval time.Duration) *Worker {
	w := &Worker{
		self:     self,
		metas:    metas,
		dial:     dial,
		registry: registry,
		updater:  updater,
		interval: interval,
		closing:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closing:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	target := w.pickMeta()
	if target.IsZero() {
		return
	}

	conn, err := w.getConn(target)
	if err != nil {
		log.Warnf("ping: dial meta %v: %v", target, err)
		w.dropConn()
		return
	}

	req := w.buildRequest()
	if err := wire.WriteMessage(conn, req); err != nil {
		log.Warnf("ping: send to meta %v: %v", target, err)
		w.dropConn()
		return
	}

	resp := &wire.Response{}
	if err := wire.ReadMessage(conn, resp); err != nil {
		log.Warnf("ping: read from meta %v: %v", target, err)
		w.dropConn()
		return
	}

	if resp.Epoch != w.updater.Epoch() {
		w.updater.TryUpdateEpoch(resp.Epoch)
	}
}

func (w *Worker) buildRequest() *wire.Request {
	var offsets []wire.PartitionOffset
	for _, name := range w.registry.AllTableNames() {
		t := w.registry.GetTable(name)
		if t == nil {
			continue
		}
		offsets = append(offsets, t.DumpPartitionBinlogOffsets()...)
	}

	return &wire.Request{
		Type:    wire.TypePing,
		Node:    w.self,
		Epoch:   w.updater.Epoch(),
		Offsets: offsets,
	}
}

// pickMeta selects a meta address uniformly at random the first time, and
// keeps using it until a connection error clears the selection, the only
// place meta selection happens (spec.md §4.5).
func (w *Worker) pickMeta() wire.Node {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.selected.IsZero() {
		return w.selected
	}
	if len(w.metas) == 0 {
		return wire.Node{}
	}
	w.selected = w.metas[rand.Intn(len(w.metas))]
	return w.selected
}

func (w *Worker) getConn(target wire.Node) (net.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hasConn {
		return w.conn, nil
	}
	c, err := w.dial(target)
	if err != nil {
		return nil, err
	}
	w.conn = c
	w.hasConn = true
	return c, nil
}

func (w *Worker) dropConn() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hasConn {
		w.conn.Close()
		w.hasConn = false
	}
	w.selected = wire.Node{}
}

// Close stops the worker and drops any open meta connection.
func (w *Worker) Close() {
	close(w.closing)
	w.wg.Wait()
	w.dropConn()
}
