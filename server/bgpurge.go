package server

import (
	"time"

	"github.com/ngaut/log"

	"github.com/zp-project/zp/bg"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/replication"
)

// purgeScheduler periodically schedules a BGPurge job per partition that
// currently has at least one active send task, deleting binlog segments
// no follower still needs (spec.md §4.10 BGPurge). Partitions with no
// send tasks are left alone — with nobody to measure "replicated past"
// against, purging would risk a follower that reappears later finding
// its last cursor already gone.
type purgeScheduler struct {
	registry *partition.Registry
	sender   *replication.SenderPool
	queue    *bg.Queue
	maxAge   time.Duration
	interval time.Duration

	closing chan struct{}
}

func newPurgeScheduler(registry *partition.Registry, sender *replication.SenderPool, queue *bg.Queue, interval, maxAge time.Duration) *purgeScheduler {
	return &purgeScheduler{registry: registry, sender: sender, queue: queue, maxAge: maxAge, interval: interval, closing: make(chan struct{})}
}

func (s *purgeScheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.scheduleAll()
		}
	}
}

func (s *purgeScheduler) scheduleAll() {
	for _, name := range s.registry.AllTableNames() {
		t := s.registry.GetTable(name)
		if t == nil {
			continue
		}
		for _, p := range t.AllPartitions() {
			p := p
			keep, ok := s.sender.MinTaskCursor(p.Table, p.ID)
			if !ok {
				continue
			}
			maxAge := s.maxAge
			s.queue.Schedule(func() {
				if err := p.Purge(keep, maxAge); err != nil {
					log.Errorf("server: bgpurge %s/%d: %v", p.Table, p.ID, err)
				}
			})
		}
	}
}

func (s *purgeScheduler) Close() { close(s.closing) }
