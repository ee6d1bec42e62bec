//go:build linux

package tcpinfo

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Read fetches TCP_INFO from conn. conn must still be open.
func Read(conn *net.TCPConn) (Stats, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return Stats{}, fmt.Errorf("syscall conn: %w", err)
	}

	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return Stats{}, fmt.Errorf("control syscall: %w", err)
	}
	if sockErr != nil {
		return Stats{}, fmt.Errorf("getsockopt TCP_INFO: %w", sockErr)
	}
	if info == nil {
		return Stats{}, fmt.Errorf("getsockopt TCP_INFO: nil info")
	}

	segmentsSent := uint64(info.Data_segs_out)
	if segmentsSent == 0 {
		segmentsSent = uint64(info.Segs_out)
	}
	retransmits := uint64(info.Total_retrans)
	if retransmits == 0 && info.Bytes_retrans > 0 && info.Snd_mss > 0 {
		mss := uint64(info.Snd_mss)
		retransmits = (info.Bytes_retrans + mss - 1) / mss
	}
	// Rtt, Rttvar and Rto are reported in microseconds.
	return Stats{
		Retransmits:  retransmits,
		SegmentsSent: segmentsSent,
		BytesSent:    info.Bytes_sent,
		BytesAcked:   info.Bytes_acked,
		BytesRecv:    info.Bytes_received,
		RTT:          time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:       time.Duration(info.Rttvar) * time.Microsecond,
		RTO:          time.Duration(info.Rto) * time.Microsecond,
	}, nil
}
