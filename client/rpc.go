package client

import (
	"net"

	"github.com/pingcap/errors"

	"github.com/zp-project/zp/wire"
)

// sendRecv writes req and reads back one Response on conn.
func sendRecv(conn net.Conn, req *wire.Request) (*wire.Response, error) {
	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, errors.Trace(err)
	}
	resp := &wire.Response{}
	if err := wire.ReadMessage(conn, resp); err != nil {
		return nil, errors.Trace(err)
	}
	return resp, nil
}
