package sockopt

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TCPInfo is the subset of Linux's struct tcp_info the transmit
// pipeline samples for observability (grounded on the getsockopt
// TCP_INFO pattern the sockstats reference repo uses for its
// kernel/tcpinfo package, adapted here from that repo's RTT/retransmit
// reporting to this target's Prometheus histograms).
type TCPInfo struct {
	RTT         time.Duration
	RTTVar      time.Duration
	Retransmits uint32
}

// GetTCPInfo reads TCP_INFO off conn's underlying file descriptor. It
// returns ok=false for connections with no real fd (e.g. net.Pipe in
// tests), mirroring sockopt.SetCork's fallback.
func GetTCPInfo(conn net.Conn) (info TCPInfo, ok bool, err error) {
	sc, isSyscallConn := conn.(syscall.Conn)
	if !isSyscallConn {
		return TCPInfo{}, false, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return TCPInfo{}, false, err
	}

	var ti *unix.TCPInfo
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ti, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	})
	if ctrlErr != nil {
		return TCPInfo{}, false, ctrlErr
	}
	if sockErr != nil {
		return TCPInfo{}, false, sockErr
	}

	return TCPInfo{
		RTT:         time.Duration(ti.Rtt) * time.Microsecond,
		RTTVar:      time.Duration(ti.Rttvar) * time.Microsecond,
		Retransmits: ti.Total_retrans,
	}, true, nil
}
