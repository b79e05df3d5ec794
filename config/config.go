// Package config holds the zp data node's configuration: command-line
// flags, an optional toml file, and the defaults that make a bare
// "zp-data" invocation usable on a single box.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/pkg/confutil"
	"github.com/zp-project/zp/wire"
)

const (
	defaultLocalPort       = 6900
	defaultWorkerNum       = 4
	defaultDataPath        = "data"
	defaultDBSyncPath      = "data/dbsync"
	defaultLogLevel        = "info"
	defaultSegmentSize     = 100 << 20 // 100MiB, spec.md §4.2 binlog rotation threshold
	defaultSendPoolSize    = 4
	defaultSendBatchSize   = 64
	defaultRecvWorkerCount = 4
	defaultRecvQueueSize   = 1024
	defaultPingInterval    = 3 * time.Second
	defaultTrysyncBackoff  = time.Second
	defaultMetapullBackoff = time.Second
	defaultRsyncBinPath    = "rsync"

	// Port offsets from local-port/meta-port a data node listens on,
	// so a single host/IP can run a node without colliding ports
	// (spec.md §4.1/§4.9): local_port serves clients, local_port+
	// kPortShiftSync accepts replication binlog streams from this
	// node's masters, local_port+kPortShiftRsync accepts snapshot
	// bootstrap transfers, and meta_port+kMetaPortShiftCmd is the meta
	// node's command channel (dialed by this node, not listened on).
	kPortShiftSync    = 100
	kPortShiftRsync   = 200
	kMetaPortShiftCmd = 100
)

// Config is the data node's full configuration surface: spec.md §6's
// CLI/env section plus the ambient logging/metrics concerns every
// component in this module carries.
type Config struct {
	*flag.FlagSet `json:"-"`

	MetaAddr string `toml:"meta-addr" json:"meta-addr"`

	LocalIP   string `toml:"local-ip" json:"local-ip"`
	LocalPort int32  `toml:"local-port" json:"local-port"`

	WorkerNum int `toml:"worker-num" json:"worker-num"`

	LogLevel  string `toml:"log-level" json:"log-level"`
	LogPath   string `toml:"log-path" json:"log-path"`
	LogFile   string `toml:"log-file" json:"log-file"`
	LogRotate string `toml:"log-rotate" json:"log-rotate"`

	DataPath   string `toml:"data-path" json:"data-path"`
	DBSyncPath string `toml:"db-sync-path" json:"db-sync-path"`

	SegmentSize int64 `toml:"segment-size" json:"segment-size"`

	SendPoolSize    int `toml:"send-pool-size" json:"send-pool-size"`
	SendBatchSize   int `toml:"send-batch-size" json:"send-batch-size"`
	RecvWorkerCount int `toml:"recv-worker-count" json:"recv-worker-count"`
	RecvQueueSize   int `toml:"recv-queue-size" json:"recv-queue-size"`

	PingInterval    time.Duration `toml:"ping-interval" json:"ping-interval"`
	TrysyncBackoff  time.Duration `toml:"trysync-backoff" json:"trysync-backoff"`
	MetapullBackoff time.Duration `toml:"metapull-backoff" json:"metapull-backoff"`

	RsyncBinPath string `toml:"rsync-bin-path" json:"rsync-bin-path"`

	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`

	configFile   string
	printVersion bool
}

// NewConfig returns a Config preloaded with defaults and a registered
// flag set, in the style of the teacher's drainer.NewConfig.
func NewConfig() *Config {
	cfg := &Config{
		WorkerNum:       defaultWorkerNum,
		LogLevel:        defaultLogLevel,
		DataPath:        defaultDataPath,
		DBSyncPath:      defaultDBSyncPath,
		SegmentSize:     defaultSegmentSize,
		SendPoolSize:    defaultSendPoolSize,
		SendBatchSize:   defaultSendBatchSize,
		RecvWorkerCount: defaultRecvWorkerCount,
		RecvQueueSize:   defaultRecvQueueSize,
		PingInterval:    defaultPingInterval,
		TrysyncBackoff:  defaultTrysyncBackoff,
		MetapullBackoff: defaultMetapullBackoff,
		RsyncBinPath:    defaultRsyncBinPath,
		LocalPort:       defaultLocalPort,
	}

	cfg.FlagSet = flag.NewFlagSet("zp-data", flag.ContinueOnError)
	fs := cfg.FlagSet
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage of zp-data:")
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.MetaAddr, "meta-addr", "", "comma separated list of meta node addrs (i.e. 'host:port')")
	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local ip to advertise to meta nodes and peers; auto-detected if empty")
	fs.Var((*int32Flag)(&cfg.LocalPort), "local-port", "local port to listen on for client and replication connections")
	fs.IntVar(&cfg.WorkerNum, "worker-num", cfg.WorkerNum, "number of client dispatch workers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "directory to write log output; stderr if empty")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file name; stderr if empty")
	fs.StringVar(&cfg.LogRotate, "log-rotate", cfg.LogRotate, "log file rotate type, hour/day")
	fs.StringVar(&cfg.DataPath, "data-path", cfg.DataPath, "directory holding partition stores and binlogs")
	fs.StringVar(&cfg.DBSyncPath, "db-sync-path", cfg.DBSyncPath, "staging directory for rsync-based full syncs")
	fs.Int64Var(&cfg.SegmentSize, "segment-size", cfg.SegmentSize, "binlog segment rotation threshold in bytes")
	fs.IntVar(&cfg.SendPoolSize, "send-pool-size", cfg.SendPoolSize, "number of concurrent binlog sender workers")
	fs.IntVar(&cfg.SendBatchSize, "send-batch-size", cfg.SendBatchSize, "max records sent per sender task turn before yielding")
	fs.IntVar(&cfg.RecvWorkerCount, "recv-worker-count", cfg.RecvWorkerCount, "number of replication receive workers (R)")
	fs.IntVar(&cfg.RecvQueueSize, "recv-queue-size", cfg.RecvQueueSize, "per-worker receive queue depth")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "interval between heartbeats to the selected meta node")
	fs.DurationVar(&cfg.TrysyncBackoff, "trysync-backoff", cfg.TrysyncBackoff, "retry backoff for a failed or waiting TRYSYNC")
	fs.DurationVar(&cfg.MetapullBackoff, "metapull-backoff", cfg.MetapullBackoff, "retry backoff for a failed meta pull")
	fs.StringVar(&cfg.RsyncBinPath, "rsync-bin-path", cfg.RsyncBinPath, "path to the rsync binary used for full partition bootstrap")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "addr (i.e. 'host:port') to serve /metrics on; disabled if empty")
	fs.StringVar(&cfg.configFile, "config", "", "path to the configuration file")
	fs.BoolVar(&cfg.printVersion, "V", false, "print version info")

	return cfg
}

// int32Flag adapts an int32 field to flag.Value; this Go version's
// flag.FlagSet has no IntVar variant for int32.
type int32Flag int32

func (f *int32Flag) String() string {
	if f == nil {
		return "0"
	}
	return fmt.Sprintf("%d", int32(*f))
}

func (f *int32Flag) Set(s string) error {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return err
	}
	*f = int32Flag(v)
	return nil
}

func (cfg *Config) String() string {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		log.Error(err)
	}
	return string(data)
}

// Parse parses flags, then an optional config file, then flags again so
// command-line values win over the file, matching the teacher's
// two-pass drainer.Config.Parse.
func (cfg *Config) Parse(args []string) error {
	if err := cfg.FlagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		return errors.Trace(err)
	}

	if cfg.printVersion {
		fmt.Println("zp-data")
		os.Exit(0)
	}

	if cfg.configFile != "" {
		if err := confutil.StrictDecodeFile(cfg.configFile, "zp-data", cfg); err != nil {
			return errors.Trace(err)
		}
	}

	if err := cfg.FlagSet.Parse(args); err != nil {
		return errors.Trace(err)
	}
	if len(cfg.FlagSet.Args()) > 0 {
		return errors.Errorf("'%s' is not a valid flag", cfg.FlagSet.Arg(0))
	}

	return cfg.adjust()
}

// adjust fills in values that depend on each other or on the host
// environment, and validates the rest.
func (cfg *Config) adjust() error {
	if cfg.LocalIP == "" {
		ip, err := confutil.DefaultIP()
		if err != nil {
			log.Warnf("config: %v", err)
		}
		cfg.LocalIP = ip
	}

	if cfg.MetaAddr == "" {
		return errors.New("meta-addr must name at least one meta node")
	}

	if cfg.WorkerNum <= 0 {
		return errors.Errorf("worker-num must be positive, got %d", cfg.WorkerNum)
	}
	if cfg.SendPoolSize <= 0 || cfg.RecvWorkerCount <= 0 {
		return errors.New("send-pool-size and recv-worker-count must be positive")
	}
	if cfg.SegmentSize <= 0 {
		return errors.New("segment-size must be positive")
	}

	return nil
}

// Self returns this node's identity as advertised to meta nodes and peers.
func (cfg *Config) Self() wire.Node {
	return wire.Node{IP: cfg.LocalIP, Port: cfg.LocalPort}
}

// SyncPort is the port this node listens on for incoming replication
// binlog streams from partitions it masters (spec.md §4.8).
func (cfg *Config) SyncPort() int32 { return cfg.LocalPort + kPortShiftSync }

// RsyncPort is the port this node listens on for incoming snapshot
// bootstrap transfers (spec.md §4.9, §4.10).
func (cfg *Config) RsyncPort() int32 { return cfg.LocalPort + kPortShiftRsync }

// MetaCmdPort adjusts a meta node's advertised port to its command
// channel, dialed by this node for PULL/PING/admin RPCs.
func (cfg *Config) MetaCmdPort(metaPort int32) int32 { return metaPort + kMetaPortShiftCmd }

// MetaNodes parses the comma separated MetaAddr list into Nodes, already
// shifted onto each meta node's command channel port.
func (cfg *Config) MetaNodes() ([]wire.Node, error) {
	parts := strings.Split(cfg.MetaAddr, ",")
	nodes := make([]wire.Node, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		host, port, err := splitHostPort(p)
		if err != nil {
			return nil, errors.Trace(err)
		}
		nodes = append(nodes, wire.Node{IP: host, Port: cfg.MetaCmdPort(port)})
	}
	if len(nodes) == 0 {
		return nil, errors.New("meta-addr named no usable nodes")
	}
	return nodes, nil
}

func splitHostPort(addr string) (string, int32, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, errors.Errorf("bad addr format, expect 'host:port': %s", addr)
	}
	host := addr[:idx]
	var port int32
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, errors.Errorf("bad port in addr %s: %v", addr, err)
	}
	return host, port, nil
}
