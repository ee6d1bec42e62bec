package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/NodePath81/speedprobe/internal/probe"
)

const (
	// Speeds are recorded in hundredths of a unit, matching the two
	// decimals sent to clients. Upper bound is 1,000,000.00.
	speedScale      = 100
	histMin         = 1
	histMax         = 1_000_000 * speedScale
	histSigFigs     = 3
	namespacePrefix = "speedprobe_"
)

var quantiles = []float64{50, 90, 99}

var kinds = []probe.Kind{probe.KindDownload, probe.KindUpload}

type kindStats struct {
	phases  atomic.Uint64
	samples atomic.Uint64
	bytes   atomic.Uint64

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram
}

// Metrics collects process-wide counters for probe sessions and renders
// them in the Prometheus text format. It implements probe.Observer.
type Metrics struct {
	sessionsActive   atomic.Int64
	sessionsTotal    atomic.Uint64
	sessionsFailed   atomic.Uint64
	commandsIgnored  atomic.Uint64
	upgradesRejected atomic.Uint64
	stats            [2]*kindStats

	mu               sync.Mutex
	lastBytes        [2]uint64
	bytesPerSec      [2]uint64
	memoryAllocBytes uint64
	startTime        time.Time
}

var _ probe.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	for _, kind := range kinds {
		m.stats[kind] = &kindStats{
			hist: hdrhistogram.New(histMin, histMax, histSigFigs),
		}
	}
	return m
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.updatePerSecond()
			}
		}
	}()
}

func (m *Metrics) updatePerSecond() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryAllocBytes = mem.Alloc
	for _, kind := range kinds {
		current := m.stats[kind].bytes.Load()
		m.bytesPerSec[kind] = current - m.lastBytes[kind]
		m.lastBytes[kind] = current
	}
}

func (m *Metrics) SessionOpened() {
	m.sessionsActive.Add(1)
	m.sessionsTotal.Add(1)
}

// SessionClosed records the end of a session; failed marks a transport
// failure rather than an orderly close.
func (m *Metrics) SessionClosed(failed bool) {
	m.sessionsActive.Add(-1)
	if failed {
		m.sessionsFailed.Add(1)
	}
}

func (m *Metrics) UpgradeRejected() {
	m.upgradesRejected.Add(1)
}

func (m *Metrics) OnPhase(_ string, _, to probe.Phase) {
	switch to {
	case probe.PhaseDownloading:
		m.stats[probe.KindDownload].phases.Add(1)
	case probe.PhaseUploading:
		m.stats[probe.KindUpload].phases.Add(1)
	}
}

func (m *Metrics) OnSample(_ string, sample probe.Sample) {
	stats := m.stats[sample.Kind]
	stats.samples.Add(1)
	if sample.Bytes > 0 {
		stats.bytes.Add(uint64(sample.Bytes))
	}
	value := int64(sample.Speed * speedScale)
	if value < histMin {
		value = histMin
	}
	if value > histMax {
		value = histMax
	}
	stats.histMu.Lock()
	_ = stats.hist.RecordValue(value)
	stats.histMu.Unlock()
}

func (m *Metrics) OnIgnored(string) {
	m.commandsIgnored.Add(1)
}

func (m *Metrics) ActiveSessions() int64 {
	return m.sessionsActive.Load()
}

// SpeedQuantile returns the q-th percentile (0..100) of recorded sample
// speeds for kind, or 0 when nothing was recorded.
func (m *Metrics) SpeedQuantile(kind probe.Kind, q float64) float64 {
	stats := m.stats[kind]
	stats.histMu.Lock()
	defer stats.histMu.Unlock()
	if stats.hist.TotalCount() == 0 {
		return 0
	}
	return float64(stats.hist.ValueAtPercentile(q)) / speedScale
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	bytesPerSec := m.bytesPerSec
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	var b strings.Builder
	writeSingle(&b, "sessions_active", "gauge", strconv.FormatInt(m.sessionsActive.Load(), 10))
	writeSingle(&b, "sessions_total", "counter", strconv.FormatUint(m.sessionsTotal.Load(), 10))
	writeSingle(&b, "sessions_failed_total", "counter", strconv.FormatUint(m.sessionsFailed.Load(), 10))
	writeSingle(&b, "commands_ignored_total", "counter", strconv.FormatUint(m.commandsIgnored.Load(), 10))
	writeSingle(&b, "upgrades_rejected_total", "counter", strconv.FormatUint(m.upgradesRejected.Load(), 10))

	b.WriteString("# TYPE " + namespacePrefix + "phases_total counter\n")
	for _, kind := range kinds {
		writeKind(&b, "phases_total", kind, strconv.FormatUint(m.stats[kind].phases.Load(), 10))
	}
	b.WriteString("# TYPE " + namespacePrefix + "samples_total counter\n")
	for _, kind := range kinds {
		writeKind(&b, "samples_total", kind, strconv.FormatUint(m.stats[kind].samples.Load(), 10))
	}
	b.WriteString("# TYPE " + namespacePrefix + "payload_bytes_total counter\n")
	for _, kind := range kinds {
		writeKind(&b, "payload_bytes_total", kind, strconv.FormatUint(m.stats[kind].bytes.Load(), 10))
	}
	b.WriteString("# TYPE " + namespacePrefix + "payload_bytes_per_second gauge\n")
	for _, kind := range kinds {
		writeKind(&b, "payload_bytes_per_second", kind, strconv.FormatUint(bytesPerSec[kind], 10))
	}
	b.WriteString("# TYPE " + namespacePrefix + "sample_speed_mbps summary\n")
	for _, kind := range kinds {
		for _, q := range quantiles {
			b.WriteString(namespacePrefix + "sample_speed_mbps{kind=\"")
			b.WriteString(kind.String())
			b.WriteString("\",quantile=\"")
			b.WriteString(strconv.FormatFloat(q/100, 'f', -1, 64))
			b.WriteString("\"} ")
			b.WriteString(formatFloat(m.SpeedQuantile(kind, q)))
			b.WriteString("\n")
		}
	}

	writeSingle(&b, "memory_alloc_bytes", "gauge", strconv.FormatUint(memoryAlloc, 10))
	uptime := "0"
	if !startTime.IsZero() {
		uptime = formatFloat(time.Since(startTime).Seconds())
	}
	writeSingle(&b, "uptime_seconds", "gauge", uptime)
	return b.String()
}

func writeSingle(b *strings.Builder, name, kind, value string) {
	b.WriteString("# TYPE " + namespacePrefix + name + " " + kind + "\n")
	b.WriteString(namespacePrefix + name + " " + value + "\n")
}

func writeKind(b *strings.Builder, name string, kind probe.Kind, value string) {
	b.WriteString(namespacePrefix + name + "{kind=\"")
	b.WriteString(kind.String())
	b.WriteString("\"} ")
	b.WriteString(value)
	b.WriteString("\n")
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
