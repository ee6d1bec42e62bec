package probe

import (
	"math"
	"time"
)

type Kind int

const (
	KindDownload Kind = iota
	KindUpload
)

func (k Kind) String() string {
	if k == KindUpload {
		return "upload"
	}
	return "download"
}

// MessageType is the "type" field of the sample message for this kind.
func (k Kind) MessageType() string {
	return k.String() + "_speed"
}

const (
	MessageTypeDownloadSpeed = "download_speed"
	MessageTypeUploadSpeed   = "upload_speed"
)

// Sample is the throughput measured over one cycle.
type Sample struct {
	Kind     Kind
	Bytes    int
	Interval time.Duration
	Speed    float64
}

// SpeedMessage is the structured message sent to the peer after each cycle.
type SpeedMessage struct {
	Type  string  `json:"type"`
	Speed float64 `json:"speed"`
}

func NewSample(kind Kind, bytes int, interval time.Duration) Sample {
	return Sample{
		Kind:     kind,
		Bytes:    bytes,
		Interval: interval,
		Speed:    SpeedMbps(bytes, interval),
	}
}

func (s Sample) Message() SpeedMessage {
	return SpeedMessage{Type: s.Kind.MessageType(), Speed: s.Speed}
}

// SpeedMbps returns bytes*8 / (seconds * 1024 * 1024) rounded to two
// decimals. The denominator is mebibits even though clients label the value
// Mbps.
func SpeedMbps(bytes int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	mbps := float64(bytes) * 8 / (secs * 1024 * 1024)
	return math.Round(mbps*100) / 100
}
