package server

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/control"
	"github.com/NodePath81/speedprobe/internal/geoip"
	"github.com/NodePath81/speedprobe/internal/metrics"
	"github.com/NodePath81/speedprobe/internal/probe"
	"github.com/NodePath81/speedprobe/internal/tcpinfo"
	"github.com/NodePath81/speedprobe/internal/transport"
	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

const readHeaderTimeout = 10 * time.Second

// Server accepts WebSocket upgrades on the probe path and runs one
// probe.Session per connection.
type Server struct {
	cfg      config.ServerConfig
	opts     probe.Options
	metrics  *metrics.Metrics
	status   *control.StatusStore
	geo      *geoip.Locator
	logger   util.Logger
	upgrader websocket.Upgrader
	limiter  *control.RateLimiter

	server  *http.Server
	tracker *trackingListener

	// sessions end when ctx is canceled by Shutdown.
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// ProbeOptions converts the probe section of the config into session
// options. Per-session fields (Rand, Logger, Observer) are left unset.
func ProbeOptions(cfg config.ProbeConfig) probe.Options {
	return probe.Options{
		PhaseDuration:  cfg.PhaseDuration.Duration(),
		SampleInterval: cfg.SampleInterval.Duration(),
		UploadJitter:   cfg.Jitter(),
		MinPayload:     int(cfg.Payload.MinBytes),
		MaxPayload:     int(cfg.Payload.MaxBytes),
		Generator:      probe.NewFillerGenerator(cfg.Payload.FillerByte(), int(cfg.Payload.MaxBytes)),
	}
}

func NewServer(cfg config.Config, metrics *metrics.Metrics, status *control.StatusStore, geo *geoip.Locator, logger util.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg.Server,
		opts:    ProbeOptions(cfg.Probe),
		metrics: metrics,
		status:  status,
		geo:     geo,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin:     s.originAllowed,
		// Compression stays off: filler payloads would shrink on the wire.
		EnableCompression: false,
	}
	if cfg.Server.RateLimit.IsEnabled() {
		rl := cfg.Server.RateLimit
		s.limiter = control.NewRateLimiter(rl.PerSecond, rl.Burst, rl.IdleTTL.Duration())
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleProbe)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.BindAddr, s.cfg.BindPort)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.tracker = newTrackingListener(raw)
	var ln net.Listener = s.tracker
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("probe server error", "error", err)
		}
	}()
	s.logger.Info("probe server started", "addr", raw.Addr().String(), "path", s.cfg.Path,
		"max_connections", s.cfg.MaxConnections)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Addr()
}

// Shutdown stops accepting connections, closes live sessions and waits for
// their handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	host := control.ClientIP(r)
	if s.limiter != nil && !s.limiter.Allow(host) {
		s.metrics.UpgradeRejected()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.UpgradeRejected()
		s.logger.Debug("upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	logger := s.logger.With("remote", r.RemoteAddr)
	country := s.geo.Country(host)
	if country != "" {
		logger = logger.With("country", country)
	}

	var sessionLogger util.Logger
	tr := transport.NewWSTransport(conn, transport.Options{
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
		ReadLimit:    s.cfg.ReadLimitBytes,
		BeforeClose: func(c net.Conn) {
			s.logTCPStats(sessionLogger, c)
		},
	})
	defer tr.Release()

	opts := s.opts
	opts.Rand = rand.New(rand.NewSource(rand.Int63()))
	opts.Observer = s.metrics
	opts.Logger = logger
	session := probe.NewSession(tr, opts)
	sessionLogger = logger.With("session", session.ID())

	s.metrics.SessionOpened()
	s.status.Add(session, r.RemoteAddr, country)
	defer s.status.Remove(session.ID())
	sessionLogger.Info("session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	started := time.Now()
	err = session.Run(ctx)
	s.metrics.SessionClosed(err != nil)
	if err != nil {
		sessionLogger.Warn("session failed", "error", err, "duration", time.Since(started))
		return
	}
	sessionLogger.Info("session closed", "duration", time.Since(started))
}

func (s *Server) logTCPStats(logger util.Logger, c net.Conn) {
	if logger == nil {
		return
	}
	raw, ok := c.(*net.TCPConn)
	if !ok && s.tracker != nil {
		raw = s.tracker.Lookup(c.RemoteAddr().String())
	}
	if raw == nil {
		return
	}
	stats, err := tcpinfo.Read(raw)
	if err != nil {
		logger.Debug("tcp stats unavailable", "error", err)
		return
	}
	logger.Info("tcp stats", stats.LogAttrs()...)
}

// originAllowed admits requests without an Origin header (non-browser
// clients) and, when allowed_origins is set, only the listed origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host) {
			return true
		}
	}
	return false
}
