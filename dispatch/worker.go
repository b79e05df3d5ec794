package dispatch

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/command"
	"github.com/zp-project/zp/metrics"
	"github.com/zp-project/zp/wire"
)

// Statistic accumulates one worker's traffic counters (spec.md §4.6 step
// 6): total requests, non-OK responses and per-table payload bytes, read
// through Worker.Stats. No qps figure is computed, INFOSTATS does not read
// these counters, and the prometheus counters in the metrics package are
// incremented separately in handle.
type Statistic struct {
	totalQueries uint64
	totalErrors  uint64

	mu         sync.Mutex
	tableBytes map[string]uint64
}

func newStatistic() *Statistic {
	return &Statistic{tableBytes: make(map[string]uint64)}
}

func (s *Statistic) recordRequest(table string, bytes int) {
	atomic.AddUint64(&s.totalQueries, 1)
	if table == "" || bytes <= 0 {
		return
	}
	s.mu.Lock()
	s.tableBytes[table] += uint64(bytes)
	s.mu.Unlock()
}

func (s *Statistic) recordError() {
	atomic.AddUint64(&s.totalErrors, 1)
}

// TotalQueries returns the running request count.
func (s *Statistic) TotalQueries() uint64 { return atomic.LoadUint64(&s.totalQueries) }

// TotalErrors returns the running error-response count.
func (s *Statistic) TotalErrors() uint64 { return atomic.LoadUint64(&s.totalErrors) }

// TableBytes snapshots accumulated payload bytes per table.
func (s *Statistic) TableBytes() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.tableBytes))
	for k, v := range s.tableBytes {
		out[k] = v
	}
	return out
}

// Worker owns a set of client connections and runs their request/response
// loop against the shared command table (spec.md §4.6).
type Worker struct {
	id    int
	stats *Statistic

	cmdTable *command.Table
	cmdCtx   *command.Context
}

func newWorker(id int, cmdTable *command.Table, cmdCtx *command.Context) *Worker {
	return &Worker{id: id, stats: newStatistic(), cmdTable: cmdTable, cmdCtx: cmdCtx}
}

// ID returns the worker's fixed index, stable for the process lifetime.
func (w *Worker) ID() int { return w.id }

// Stats exposes this worker's traffic counters.
func (w *Worker) Stats() *Statistic { return w.stats }

// Serve runs conn's request/response loop until the peer disconnects or a
// frame error occurs.
func (w *Worker) Serve(conn net.Conn) error {
	defer conn.Close()

	for {
		req := &wire.Request{}
		if err := wire.ReadMessage(conn, req); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Trace(err)
		}

		resp := w.handle(req)

		if err := wire.WriteMessage(conn, resp); err != nil {
			return errors.Trace(err)
		}
	}
}

func (w *Worker) handle(req *wire.Request) *wire.Response {
	w.stats.recordRequest(req.Table, len(req.Value)+len(req.Key))
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(w.id), req.Type.String()).Inc()

	cmd := w.cmdTable.Lookup(req.Type)
	if cmd == nil {
		w.stats.recordError()
		metrics.ResponseErrorsTotal.WithLabelValues(req.Type.String(), wire.CodeError.String()).Inc()
		return &wire.Response{Code: wire.CodeError, Msg: "unknown request type"}
	}

	resp, err := cmd.Execute(w.cmdCtx, req)
	if err != nil {
		w.stats.recordError()
		metrics.ResponseErrorsTotal.WithLabelValues(req.Type.String(), wire.CodeError.String()).Inc()
		log.Errorf("dispatch: worker %d: %s on %s/%s failed: %v", w.id, req.Type, req.Table, req.Key, err)
		return &wire.Response{Code: wire.CodeError, Msg: err.Error()}
	}
	if resp.Code != wire.CodeOk {
		w.stats.recordError()
		metrics.ResponseErrorsTotal.WithLabelValues(req.Type.String(), resp.Code.String()).Inc()
	}
	return resp
}
