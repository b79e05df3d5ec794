// Command zp-cli is a minimal command-line client over the client
// package, for ad-hoc SET/GET/DEL/PULL against a running cluster
// (spec.md §4.11's client library, exercised directly rather than
// through a language binding).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zp-project/zp/client"
	"github.com/zp-project/zp/wire"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: zp-cli -meta=host:port[,host:port...] <command> [args...]

commands:
  pull
  set <table> <key> <value>
  get <table> <key>
  del <table> <key>`)
}

func main() {
	metaAddr := flag.String("meta", "", "comma separated meta node addrs")
	timeout := flag.Duration("timeout", 5*time.Second, "dial timeout")
	flag.Usage = usage
	flag.Parse()

	if *metaAddr == "" || flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	metas, err := parseNodes(*metaAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "zp-cli:", err)
		os.Exit(1)
	}

	cluster := client.NewCluster(metas, client.DialTimeout(*timeout))
	defer cluster.Close()

	if err := run(cluster, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "zp-cli:", err)
		os.Exit(1)
	}
}

func run(cluster *client.Cluster, args []string) error {
	switch args[0] {
	case "pull":
		return cluster.Pull()

	case "set":
		if len(args) != 4 {
			return fmt.Errorf("usage: set <table> <key> <value>")
		}
		return cluster.Set(args[1], []byte(args[2]), []byte(args[3]))

	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: get <table> <key>")
		}
		val, err := cluster.Get(args[1], []byte(args[2]))
		if err != nil {
			return err
		}
		fmt.Println(string(val))
		return nil

	case "del":
		if len(args) != 3 {
			return fmt.Errorf("usage: del <table> <key>")
		}
		return cluster.Delete(args[1], []byte(args[2]))

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseNodes(addr string) ([]wire.Node, error) {
	var nodes []wire.Node
	for _, part := range strings.Split(addr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, ":")
		if idx < 0 {
			return nil, fmt.Errorf("bad addr %q, expect host:port", part)
		}
		var port int32
		if _, err := fmt.Sscanf(part[idx+1:], "%d", &port); err != nil {
			return nil, fmt.Errorf("bad port in %q: %v", part, err)
		}
		nodes = append(nodes, wire.Node{IP: part[:idx], Port: port})
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no usable meta addrs in %q", addr)
	}
	return nodes, nil
}
