package client

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/pkg/phash"
	"github.com/zp-project/zp/wire"
)

// tableMapCache is the client-side mirror of meta's partition placement,
// refreshed by PULL (ResetClusterMap in the original client).
type tableMapCache struct {
	mu     sync.RWMutex
	epoch  int64
	tables map[string]wire.TableMap
}

func newTableMapCache() *tableMapCache {
	return &tableMapCache{tables: make(map[string]wire.TableMap)}
}

func (c *tableMapCache) reset(epoch int64, tables []wire.TableMap) {
	m := make(map[string]wire.TableMap, len(tables))
	for _, t := range tables {
		m[t.Name] = t
	}
	c.mu.Lock()
	c.epoch = epoch
	c.tables = m
	c.mu.Unlock()
}

// master returns the node currently hosting the partition key routes to.
func (c *tableMapCache) master(table string, key []byte) (wire.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tm, ok := c.tables[table]
	if !ok {
		return wire.Node{}, errors.Errorf("client: table %q not in local map", table)
	}

	count := tm.PartitionCount
	if count == 0 {
		count = int32(len(tm.Partitions))
	}
	if count == 0 {
		return wire.Node{}, errors.Errorf("client: table %q has no partitions", table)
	}

	id := phash.Partition(key, count)
	for _, p := range tm.Partitions {
		if p.ID == id {
			if p.Master.IsZero() {
				return wire.Node{}, errors.Errorf("client: partition %s/%d has no master yet", table, id)
			}
			return p.Master, nil
		}
	}
	return wire.Node{}, errors.Errorf("client: partition %s/%d not found in local map", table, id)
}
