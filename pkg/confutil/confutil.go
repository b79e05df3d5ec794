// Package confutil carries the small config helpers every component in
// this module shares: strict TOML decode and default-IP discovery,
// ported from the teacher's pkg/util/util.go.
package confutil

import (
	"fmt"
	"net"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// DefaultIP returns a non-loopback IPv4 address for this host, falling
// back to 127.0.0.1 if none can be found.
func DefaultIP() (string, error) {
	ip := "127.0.0.1"

	ifaces, err := net.Interfaces()
	if err != nil {
		return ip, errors.Trace(err)
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate == nil || candidate.IsUnspecified() || candidate.IsLoopback() {
				continue
			}
			if v4 := candidate.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}

	return ip, errors.New("no non-loopback ipv4 address found")
}

// DefaultListenAddr returns "<default ip>:<port>", logging but not
// failing if DefaultIP could not find a real address.
func DefaultListenAddr(port int) string {
	ip, err := DefaultIP()
	if err != nil {
		log.Infof("confutil: using fallback ip %s: %v", ip, err)
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

// InitLogger sets ngaut/log's level, destination and rotation policy from
// config, in the style of the teacher's util.InitLogger: an empty path
// leaves output on stderr.
func InitLogger(level, path, file, rotate string) error {
	log.SetLevelByString(level)
	log.SetHighlighting(false)

	if path == "" {
		return nil
	}

	full := path
	if file != "" {
		full = fmt.Sprintf("%s/%s", path, file)
	}
	if err := log.SetOutputByName(full); err != nil {
		return errors.Trace(err)
	}

	switch rotate {
	case "hour":
		log.SetRotateByHour()
	case "day":
		log.SetRotateByDay()
	}

	return nil
}

// StrictDecodeFile decodes the TOML file at path into cfg, failing if any
// key in the file is not a recognized field of cfg.
func StrictDecodeFile(path, component string, cfg interface{}) error {
	metaData, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return errors.Errorf("component %s's config file %s has unknown options: %s",
			component, path, strings.Join(items, ", "))
	}

	return nil
}
