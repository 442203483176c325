// Package sockopt applies the TCP socket options the transmit pipeline
// needs (spec.md §4.7 "TCP corking"): TCP_CORK to batch a response burst
// into as few segments as possible, and TCP_NODELAY for the opposite
// case. Grounded on the x/sys/unix setsockopt patterns used for
// tcp_info retrieval in the kernel/tcpinfo packages of the sockstats
// reference repo, adapted here from getsockopt to setsockopt.
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetCork toggles TCP_CORK on the connection's underlying file
// descriptor. Turning it off flushes any data buffered by the kernel
// while corking was on, so callers that enable it must disable it again
// once a burst is done (connection.drainWriteList does this via defer).
func SetCork(conn net.Conn, on bool) error {
	return setIntOpt(conn, unix.TCP_CORK, boolToInt(on))
}

// SetNoDelay toggles TCP_NODELAY, disabling Nagle's algorithm so small
// PDUs (R2T, NOP-In) aren't held back waiting for more data.
func SetNoDelay(conn net.Conn, on bool) error {
	return setIntOpt(conn, unix.TCP_NODELAY, boolToInt(on))
}

func setIntOpt(conn net.Conn, opt, value int) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil // e.g. net.Pipe in tests: no real fd, nothing to tune
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
