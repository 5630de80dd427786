//go:build !linux

package tnt

import (
	"net"

	"github.com/tsafin/tntcxx/tnt/log"
)

// tuneSocket is a no-op outside Linux: golang.org/x/sys/unix's
// TCP_NODELAY constant isn't available on every GOOS this module might
// target, and NODELAY is an optimization the connector degrades
// gracefully without.
func tuneSocket(conn *net.TCPConn) {
	log.Default().Debugf("tnt: TCP_NODELAY tuning skipped on this platform")
}
