// Package metapull implements the single coalescing meta-pull worker
// (spec.md §4.4): it downloads the full partition map once the epoch
// advances and reconciles it into the table registry.
package metapull

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zp-project/zp/metrics"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// Puller fetches the full partition map from the currently-selected meta
// node, returning its version (the new epoch).
type Puller interface {
	Pull(self wire.Node) (version int64, tables []wire.TableMap, err error)
}

// PartitionFactory constructs a fresh Partition (opening its store
// namespace and binlog) for a table/id this node has not seen before.
// Kept as an interface so metapull does not need to know about on-disk
// layout or store/binlog construction directly.
type PartitionFactory interface {
	NewPartition(table string, id int32) (*partition.Partition, error)
}

// maxConcurrentTables bounds the per-table reconcile fan-out inside the
// registry writer lock.
const maxConcurrentTables = 8

// Worker is the single-threaded, coalescing meta-pull loop.
type Worker struct {
	self     wire.Node
	registry *partition.Registry
	puller   Puller
	factory  PartitionFactory
	backoff  time.Duration

	epoch      atomic.Int64
	shouldPull atomic.Bool

	wake    chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
}

// New builds a meta-pull worker.
func New(self wire.Node, registry *partition.Registry, puller Puller, factory PartitionFactory, backoff time.Duration) *Worker {
	w := &Worker{
		self:     self,
		registry: registry,
		puller:   puller,
		factory:  factory,
		backoff:  backoff,
		wake:     make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// AddTask requests a pull; additional calls while one is already pending
// are no-ops (spec.md §4.4 "coalescing").
func (w *Worker) AddTask() {
	w.shouldPull.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// TryUpdateEpoch implements the ping worker's epoch-mismatch hook: it
// records that a pull is needed and wakes this worker, per spec.md §4.5.
func (w *Worker) TryUpdateEpoch(remote int64) {
	if remote != w.epoch.Load() {
		w.AddTask()
	}
}

// Epoch returns the locally known meta epoch, carried on ping requests.
func (w *Worker) Epoch() int64 { return w.epoch.Load() }

// Close stops the worker goroutine.
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
		case <-w.wake:
			w.tryPull()
		}
	}
}

func (w *Worker) tryPull() {
	if !w.shouldPull.Load() {
		return
	}

	version, tables, err := w.puller.Pull(w.self)
	if err != nil {
		log.Warnf("metapull: pull failed: %v", err)
		w.requeueAfterBackoff()
		return
	}

	if err := w.reconcile(tables); err != nil {
		log.Errorf("metapull: reconcile failed: %v", err)
		w.requeueAfterBackoff()
		return
	}

	w.finishPullMeta(version)
}

// reconcile applies tables under the registry's writer lock in one pass,
// so no reader ever observes a half-applied map (spec.md §4.3, §5).
func (w *Worker) reconcile(tables []wire.TableMap) error {
	var reconcileErr error

	w.registry.WithWriterLock(func() {
		miss := make(map[string]struct{})
		for _, name := range w.registry.AllTableNames() {
			miss[name] = struct{}{}
		}

		var g errgroup.Group
		sem := make(chan struct{}, maxConcurrentTables)

		for _, tm := range tables {
			tm := tm
			delete(miss, tm.Name)

			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()
				return w.reconcileTable(tm)
			})
		}

		if err := g.Wait(); err != nil {
			reconcileErr = err
		}

		for name := range miss {
			if t := w.registry.GetTable(name); t != nil {
				t.LeaveAll()
			}
		}
	})

	return reconcileErr
}

func (w *Worker) reconcileTable(tm wire.TableMap) error {
	t := w.registry.GetOrAddTable(tm.Name)

	count := tm.PartitionCount
	if count == 0 {
		count = int32(len(tm.Partitions))
	}
	t.SetPartitionCount(count)

	for _, pm := range tm.Partitions {
		if pm.Master.IsZero() {
			// not placed yet; skip (spec.md §4.4 step 2)
			continue
		}

		p := t.GetPartitionByID(pm.ID)
		if p == nil {
			np, err := w.factory.NewPartition(tm.Name, pm.ID)
			if err != nil {
				log.Errorf("metapull: create partition %s/%d: %v", tm.Name, pm.ID, err)
				continue
			}
			t.UpsertPartition(np)
			p = np
		}
		p.UpdateFromMap(w.self, pm.Master, pm.Slaves, pm.State)
	}
	return nil
}

// finishPullMeta atomically advances the local epoch and clears the
// should_pull_meta flag (spec.md §4.4 step 4).
func (w *Worker) finishPullMeta(newEpoch int64) {
	w.epoch.Store(newEpoch)
	w.shouldPull.Store(false)
	metrics.MetaEpoch.Set(float64(newEpoch))
}

func (w *Worker) requeueAfterBackoff() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-time.After(w.backoff):
			w.AddTask()
		case <-w.closing:
		}
	}()
}
