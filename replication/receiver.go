package replication

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/soheilhy/cmux"

	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/wire"
)

// Receiver accepts persistent connections from masters on the
// replication ingress port and dispatches decoded frames to a fixed
// shard of R receive workers (spec.md §4.8). Its listener is muxed with
// a small HTTP debug endpoint, following the teacher's cmux-based
// grpc/http split in pump/server.go.
type Receiver struct {
	workers []*recvWorker
	mux     cmux.CMux
	closing chan struct{}
}

// NewReceiver builds a Receiver with r workers sharing registry.
func NewReceiver(ln net.Listener, registry *partition.Registry, r int, queueSize int) *Receiver {
	workers := make([]*recvWorker, r)
	for i := range workers {
		workers[i] = newRecvWorker(i, registry, queueSize)
	}

	m := cmux.New(ln)
	return &Receiver{workers: workers, mux: m, closing: make(chan struct{})}
}

// Serve splits the listener into the raw replication stream and an HTTP
// debug endpoint, and runs both until Close is called.
func (r *Receiver) Serve() error {
	httpL := r.mux.Match(cmux.HTTP1Fast())
	rawL := r.mux.Match(cmux.Any())

	router := mux.NewRouter()
	router.HandleFunc("/debug/recv_queues", r.handleDebug)

	go http.Serve(httpL, router)
	go r.acceptLoop(rawL)

	return r.mux.Serve()
}

func (r *Receiver) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.closing:
				return
			default:
				log.Warnf("replication: receiver accept: %v", err)
				return
			}
		}
		go r.serveConn(conn)
	}
}

func (r *Receiver) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		frame := &wire.SyncRequest{}
		if err := wire.ReadMessage(conn, frame); err != nil {
			if err != io.EOF {
				log.Warnf("replication: receiver read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		idx := int(frame.PartitionID) % len(r.workers)
		r.workers[idx].enqueue(frameTask{conn: conn, frame: frame})
	}
}

func (r *Receiver) handleDebug(w http.ResponseWriter, req *http.Request) {
	for i, wk := range r.workers {
		if _, err := fmt.Fprintf(w, "worker %d: queue_len=%d\n", i, len(wk.queue)); err != nil {
			return
		}
	}
}

// Close stops every receive worker and the listener.
func (r *Receiver) Close() error {
	close(r.closing)
	for _, w := range r.workers {
		w.stop()
	}
	return errors.Trace(r.mux.Close())
}
