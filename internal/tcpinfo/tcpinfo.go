// Package tcpinfo reads kernel TCP statistics for a finished probe
// connection so its teardown can be logged.
package tcpinfo

import (
	"errors"
	"time"
)

var ErrUnsupported = errors.New("tcp info unsupported on this platform")

// Stats captures the TCP_INFO fields logged at session teardown.
type Stats struct {
	Retransmits  uint64
	SegmentsSent uint64
	BytesSent    uint64
	BytesAcked   uint64
	BytesRecv    uint64

	RTT    time.Duration // Smoothed RTT
	RTTVar time.Duration
	RTO    time.Duration
}

// LogAttrs flattens s into slog key/value pairs.
func (s Stats) LogAttrs() []any {
	return []any{
		"rtt", s.RTT,
		"rttvar", s.RTTVar,
		"rto", s.RTO,
		"retransmits", s.Retransmits,
		"segments_sent", s.SegmentsSent,
		"bytes_sent", s.BytesSent,
		"bytes_acked", s.BytesAcked,
		"bytes_received", s.BytesRecv,
	}
}
