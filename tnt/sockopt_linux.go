//go:build linux

package tnt

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/tsafin/tntcxx/tnt/log"
)

// tuneSocket sets TCP_NODELAY on conn's raw fd, the same low-level
// tuning a C++ connector's event loop performs directly on the socket
// (original_source/src/Client/LibevNetProvider.hpp). Failure is logged
// and otherwise ignored: NODELAY is an optimization, not a correctness
// requirement.
func tuneSocket(conn *net.TCPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		log.Default().Errorf("tnt: SyscallConn: %v", err)
		return
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
	if ctrlErr != nil {
		log.Default().Errorf("tnt: socket control failed: %v", ctrlErr)
		return
	}
	if sockErr != nil {
		log.Default().Errorf("tnt: setsockopt TCP_NODELAY failed: %v", sockErr)
	}
}
