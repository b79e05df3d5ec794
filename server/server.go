package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zp-project/zp/bg"
	"github.com/zp-project/zp/binlog"
	"github.com/zp-project/zp/client"
	"github.com/zp-project/zp/command"
	"github.com/zp-project/zp/config"
	"github.com/zp-project/zp/dispatch"
	"github.com/zp-project/zp/metapull"
	"github.com/zp-project/zp/partition"
	"github.com/zp-project/zp/ping"
	"github.com/zp-project/zp/replication"
	"github.com/zp-project/zp/rsync"
	"github.com/zp-project/zp/store"
	"github.com/zp-project/zp/trysync"
	"github.com/zp-project/zp/wire"
)

// defaultPurgeInterval and defaultPurgeMaxAge bound how often BGPurge
// runs and how long a fully-replicated segment is kept around regardless,
// mirroring the teacher's preference for a handful of named constants
// over yet more config surface for an internal tuning knob.
const (
	defaultPurgeInterval = time.Minute
	defaultPurgeMaxAge   = 24 * time.Hour
	dialTimeout          = 5 * time.Second
)

// dialNode is the one TCP dialer every worker in this process shares,
// passed as each collaborator's own named Dialer type (assignable since a
// function literal's type is unnamed).
func dialNode(n wire.Node) (net.Conn, error) {
	return net.DialTimeout("tcp", n.String(), dialTimeout)
}

// Server wires every component into one running data node process
// (spec.md §5), grounded on the teacher's drainer.Server composition
// root: build every collaborator in dependency order in New, start
// background workers in Start, stop them in the reverse order in Close.
type Server struct {
	cfg *config.Config

	st       store.Store
	registry *partition.Registry
	daemon   rsync.Controller

	dispatcher *dispatch.Dispatcher
	receiver   *replication.Receiver
	sender     *replication.SenderPool

	trysyncW *trysync.Worker
	metaW    *metapull.Worker
	pingW    *ping.Worker

	bgsave  *bg.Queue
	bgpurge *bg.Queue
	purge   *purgeScheduler

	metricsLn net.Listener
}

// New constructs every component but starts none of them.
func New(cfg *config.Config) (*Server, error) {
	self := cfg.Self()
	binlog.SegmentSizeBytes = cfg.SegmentSize

	st, err := store.NewBoltStore(cfg.DataPath+"/zp.db", nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	registry := partition.NewRegistry()
	daemon := rsync.NewProcessController(cfg.RsyncBinPath, cfg.DBSyncPath, self)

	s := &Server{cfg: cfg, st: st, registry: registry, daemon: daemon}

	s.sender = replication.NewSenderPool(registry, replication.Dialer(dialNode), cfg.SendPoolSize, cfg.SendBatchSize)
	s.trysyncW = trysync.New(self, trysync.Dialer(dialNode), daemon, cfg.TrysyncBackoff)

	sink := NewSink(s.sender, s.trysyncW)
	factory := newPartitionFactory(self, cfg.DataPath, st, sink)

	metaNodes, err := cfg.MetaNodes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	metaClient := client.NewMetaClient(metaNodes, client.Dialer(dialNode))
	s.metaW = metapull.New(self, registry, metaClient, factory, cfg.MetapullBackoff)
	s.pingW = ping.New(self, metaNodes, ping.Dialer(dialNode), registry, s.metaW, cfg.PingInterval)

	s.bgsave = bg.New("bgsave")
	registrar := NewSyncRegistrar(s.sender, registry, s.bgsave, daemon)

	cmdTable := command.NewTable()
	cmdTable.SetSyncRegistrar(registrar)
	cmdCtx := &command.Context{Registry: registry, Self: self}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.LocalIP, portString(cfg.LocalPort)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.dispatcher = dispatch.NewDispatcher(ln, cfg.WorkerNum, cmdTable, cmdCtx)

	syncLn, err := net.Listen("tcp", net.JoinHostPort(cfg.LocalIP, portString(cfg.SyncPort())))
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.receiver = replication.NewReceiver(syncLn, registry, cfg.RecvWorkerCount, cfg.RecvQueueSize)

	s.bgpurge = bg.New("bgpurge")
	s.purge = newPurgeScheduler(registry, s.sender, s.bgpurge, defaultPurgeInterval, defaultPurgeMaxAge)

	return s, nil
}

func portString(port int32) string { return strconv.Itoa(int(port)) }

// Start launches every background worker, the metrics endpoint, and
// finally blocks serving client requests.
func (s *Server) Start() error {
	go s.purge.run()

	if s.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return errors.Trace(err)
		}
		s.metricsLn = ln
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.Serve(ln, mux)
	}

	go func() {
		if err := s.receiver.Serve(); err != nil {
			log.Errorf("server: replication receiver stopped: %v", err)
		}
	}()

	return errors.Trace(s.dispatcher.Serve())
}

// Close shuts every component down in reverse dependency order (spec.md
// §5): stop taking new client work first, then stop producing new
// replicated writes, then tear down the background workers that react
// to state, finally the shared store.
func (s *Server) Close() error {
	s.pingW.Close()
	s.dispatcher.Stop()
	s.receiver.Close()
	s.sender.Close()
	s.trysyncW.Close()
	s.metaW.Close()
	s.purge.Close()
	s.bgsave.Close()
	s.bgpurge.Close()
	if s.metricsLn != nil {
		s.metricsLn.Close()
	}
	return errors.Trace(s.st.Close())
}
