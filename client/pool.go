// Package client is the thin data-plane/meta-plane client library:
// connection pooling, meta rotation, and retry-on-stale-map routing
// (spec.md §4.11), ported from the original Cluster/ConnectionPool
// client in zp_cluster.cc.
package client

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/wire"
)

// Dialer opens a new connection to node.
type Dialer func(node wire.Node) (net.Conn, error)

// DialTimeout returns a Dialer using net.DialTimeout.
func DialTimeout(timeout time.Duration) Dialer {
	return func(node wire.Node) (net.Conn, error) {
		return net.DialTimeout("tcp", node.String(), timeout)
	}
}

// connPool is a per-node cache of one open connection, mirroring the
// original ConnectionPool's "one live connection per node, erase on
// failure" shape.
type connPool struct {
	dial Dialer

	mu    sync.Mutex
	conns map[wire.Node]net.Conn
}

func newConnPool(dial Dialer) *connPool {
	return &connPool{dial: dial, conns: make(map[wire.Node]net.Conn)}
}

// get returns the pooled connection to node, dialing one if needed.
func (p *connPool) get(node wire.Node) (net.Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[node]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(node)
	if err != nil {
		return nil, errors.Trace(err)
	}

	p.mu.Lock()
	p.conns[node] = c
	p.mu.Unlock()
	return c, nil
}

// remove drops and closes the pooled connection to node, if c is still
// the one on file (a racing dial may have already replaced it).
func (p *connPool) remove(node wire.Node, c net.Conn) {
	p.mu.Lock()
	if cur, ok := p.conns[node]; ok && cur == c {
		delete(p.conns, node)
	}
	p.mu.Unlock()
	c.Close()
}

// existing returns any one already-open connection, favoring reuse over
// a fresh dial (mirrors GetExistConnection).
func (p *connPool) existing() (wire.Node, net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, c := range p.conns {
		return n, c, true
	}
	return wire.Node{}, nil, false
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, c := range p.conns {
		c.Close()
		delete(p.conns, n)
	}
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}
