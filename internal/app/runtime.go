package app

import (
	"context"
	"time"

	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/control"
	"github.com/NodePath81/speedprobe/internal/geoip"
	"github.com/NodePath81/speedprobe/internal/metrics"
	"github.com/NodePath81/speedprobe/internal/server"
	"github.com/NodePath81/speedprobe/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Runtime wires one configuration generation: metrics, the probe server and
// the control server. A restart builds a fresh Runtime.
type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	metrics *metrics.Metrics
	status  *control.StatusStore
	geo     *geoip.Locator
	server  *server.Server
	control *control.ControlServer
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	geo, err := geoip.Open(cfg.GeoIP.Database)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	metrics := metrics.NewMetrics()
	status := control.NewStatusStore()

	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		status:  status,
		geo:     geo,
		server:  server.NewServer(cfg, metrics, status, geo, logger),
	}
	if cfg.Control.IsEnabled() {
		rt.control = control.NewControlServer(cfg, metrics, status, restartFn, logger)
	}
	return rt, nil
}

func (r *Runtime) Start() error {
	r.metrics.Start(r.ctx.Done())
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.Stop()
			return err
		}
	}
	if err := r.server.Start(r.ctx); err != nil {
		r.Stop()
		return err
	}
	r.logger.Info("runtime started",
		"phase_duration", r.cfg.Probe.PhaseDuration.Duration(),
		"sample_interval", r.cfg.Probe.SampleInterval.Duration(),
		"upload_jitter", r.cfg.Probe.Jitter(),
		"payload_min", util.FormatBytes(float64(r.cfg.Probe.Payload.MinBytes)),
		"payload_max", util.FormatBytes(float64(r.cfg.Probe.Payload.MaxBytes)),
		"geoip", r.geo != nil)
	return nil
}

func (r *Runtime) Stop() {
	r.logger.Info("runtime stopping", "active_sessions", r.metrics.ActiveSessions())
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Warn("probe server shutdown incomplete", "error", err)
	}
	if r.control != nil {
		_ = r.control.Shutdown(ctx)
	}
	if err := r.geo.Close(); err != nil {
		r.logger.Warn("geoip close failed", "error", err)
	}
}

func (r *Runtime) ProbeAddr() string {
	if addr := r.server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (r *Runtime) ControlAddr() string {
	if r.control == nil {
		return ""
	}
	if addr := r.control.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
