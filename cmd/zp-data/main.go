// Command zp-data runs one data node of the cluster (spec.md §5):
// it serves client reads/writes, replicates binlog to followers, and
// bootstraps cold followers via the rsync-style transfer daemon.
package main

import (
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/zp-project/zp/config"
	"github.com/zp-project/zp/pkg/confutil"
	"github.com/zp-project/zp/server"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	rand.Seed(time.Now().UTC().UnixNano())

	cfg := config.NewConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("verifying flags error, See 'zp-data --help'. %s", errors.ErrorStack(err))
	}

	if err := confutil.InitLogger(cfg.LogLevel, cfg.LogPath, cfg.LogFile, cfg.LogRotate); err != nil {
		log.Fatalf("init logger error, %s", errors.ErrorStack(err))
	}
	log.Infof("use config: %s", cfg)

	s, err := server.New(cfg)
	if err != nil {
		log.Fatalf("create zp-data server error, %s", errors.ErrorStack(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Infof("got signal [%d] to exit.", sig)
		s.Close()
		os.Exit(0)
	}()

	if err := s.Start(); err != nil {
		log.Errorf("start zp-data server error, %s", errors.ErrorStack(err))
		os.Exit(2)
	}

	log.Info("zp-data exit")
}
