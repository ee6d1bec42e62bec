package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/speedprobe/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	defaultServerAddr       = "0.0.0.0"
	defaultServerPort       = 8000
	defaultServerPath       = "/speedtest"
	defaultServerReadLimit  = "16mib"
	defaultRateLimitPerSec  = 5
	defaultRateLimitBurst   = 10
	defaultRateLimitIdleTTL = 5 * time.Minute

	defaultPhaseDuration  = 10 * time.Second
	defaultSampleInterval = 2 * time.Second
	defaultUploadJitter   = 500 * time.Millisecond
	defaultPayloadMinSize = "1mib"
	defaultPayloadMaxSize = "20000kib"
	defaultPayloadFiller  = "0"

	defaultControlAddr             = "127.0.0.1"
	defaultControlPort             = 8080
	defaultControlMetricsEnabled   = true
	defaultControlProfilingEnabled = false

	// Upper bound for a single generated payload; the generator keeps one
	// buffer of max_size alive for the lifetime of the server.
	maxPayloadSize = 256 << 20
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname string        `yaml:"hostname"`
	Log      LogConfig     `yaml:"log"`
	Server   ServerConfig  `yaml:"server"`
	Probe    ProbeConfig   `yaml:"probe"`
	Control  ControlConfig `yaml:"control"`
	GeoIP    GeoIPConfig   `yaml:"geoip"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	BindAddr       string          `yaml:"bind_addr"`
	BindPort       int             `yaml:"bind_port"`
	Path           string          `yaml:"path"`
	MaxConnections int             `yaml:"max_connections"`
	ReadLimit      string          `yaml:"read_limit"`
	WriteTimeout   Duration        `yaml:"write_timeout"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	ReadLimitBytes int64 `yaml:"-"`
}

type RateLimitConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	PerSecond float64  `yaml:"per_second"`
	Burst     int      `yaml:"burst"`
	IdleTTL   Duration `yaml:"idle_ttl"`
}

type ProbeConfig struct {
	PhaseDuration  Duration      `yaml:"phase_duration"`
	SampleInterval Duration      `yaml:"sample_interval"`
	UploadJitter   *Duration     `yaml:"upload_jitter"`
	Payload        PayloadConfig `yaml:"payload"`
}

type PayloadConfig struct {
	MinSize string `yaml:"min_size"`
	MaxSize string `yaml:"max_size"`
	Filler  string `yaml:"filler"`

	MinBytes int64 `yaml:"-"`
	MaxBytes int64 `yaml:"-"`
}

type ControlConfig struct {
	Enabled   *bool                  `yaml:"enabled"`
	BindAddr  string                 `yaml:"bind_addr"`
	BindPort  int                    `yaml:"bind_port"`
	AuthToken string                 `yaml:"auth_token"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Metrics   ControlMetricsConfig   `yaml:"metrics"`
	Profiling ControlProfilingConfig `yaml:"profiling"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ControlProfilingConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

func (r RateLimitConfig) IsEnabled() bool {
	return util.BoolValue(r.Enabled, true)
}

func (r *RateLimitConfig) setDefaults() {
	if r.Enabled == nil {
		val := true
		r.Enabled = &val
	}
	if r.PerSecond == 0 {
		r.PerSecond = defaultRateLimitPerSec
	}
	if r.Burst == 0 {
		r.Burst = defaultRateLimitBurst
	}
	if r.IdleTTL == 0 {
		r.IdleTTL = Duration(defaultRateLimitIdleTTL)
	}
}

func (r RateLimitConfig) validate(prefix string) error {
	if !r.IsEnabled() {
		return nil
	}
	if r.PerSecond <= 0 {
		return fmt.Errorf("%s.per_second must be > 0", prefix)
	}
	if r.Burst <= 0 {
		return fmt.Errorf("%s.burst must be > 0", prefix)
	}
	if r.IdleTTL.Duration() <= 0 {
		return fmt.Errorf("%s.idle_ttl must be > 0", prefix)
	}
	return nil
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, true)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func (p ControlProfilingConfig) IsEnabled() bool {
	return util.BoolValue(p.Enabled, defaultControlProfilingEnabled)
}

func (p ProbeConfig) Jitter() time.Duration {
	if p.UploadJitter == nil {
		return defaultUploadJitter
	}
	return p.UploadJitter.Duration()
}

// FillerByte returns the byte used to fill generated payloads.
func (p PayloadConfig) FillerByte() byte {
	if p.Filler == "" {
		return defaultPayloadFiller[0]
	}
	return p.Filler[0]
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultServerAddr
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = defaultServerPort
	}
	if c.Server.Path == "" {
		c.Server.Path = defaultServerPath
	}
	if c.Server.ReadLimit == "" {
		c.Server.ReadLimit = defaultServerReadLimit
	}
	c.Server.RateLimit.setDefaults()

	if c.Probe.PhaseDuration == 0 {
		c.Probe.PhaseDuration = Duration(defaultPhaseDuration)
	}
	if c.Probe.SampleInterval == 0 {
		c.Probe.SampleInterval = Duration(defaultSampleInterval)
	}
	// An explicit "0s" disables upload jitter.
	if c.Probe.UploadJitter == nil {
		jitter := Duration(defaultUploadJitter)
		c.Probe.UploadJitter = &jitter
	}
	if c.Probe.Payload.MinSize == "" {
		c.Probe.Payload.MinSize = defaultPayloadMinSize
	}
	if c.Probe.Payload.MaxSize == "" {
		c.Probe.Payload.MaxSize = defaultPayloadMaxSize
	}
	if c.Probe.Payload.Filler == "" {
		c.Probe.Payload.Filler = defaultPayloadFiller
	}

	if c.Control.Enabled == nil {
		val := true
		c.Control.Enabled = &val
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	c.Control.RateLimit.setDefaults()
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}
	if c.Control.Profiling.Enabled == nil {
		enabled := defaultControlProfilingEnabled
		c.Control.Profiling.Enabled = &enabled
	}
}

func (c *Config) validate() error {
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("log.format must be text or json")
	}

	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		return errors.New("server.bind_port must be in 1..65535")
	}
	c.Server.Path = strings.TrimSpace(c.Server.Path)
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("server.path must start with /")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	readLimit, err := ParseSize(c.Server.ReadLimit)
	if err != nil {
		return fmt.Errorf("server.read_limit: %w", err)
	}
	if readLimit < 0 {
		return errors.New("server.read_limit must be >= 0")
	}
	c.Server.ReadLimitBytes = readLimit
	if c.Server.WriteTimeout.Duration() < 0 {
		return errors.New("server.write_timeout must be >= 0")
	}
	for i, origin := range c.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			return fmt.Errorf("server.allowed_origins[%d] must not be empty", i)
		}
		c.Server.AllowedOrigins[i] = origin
	}
	if err := c.Server.RateLimit.validate("server.rate_limit"); err != nil {
		return err
	}

	if c.Probe.PhaseDuration.Duration() <= 0 {
		return errors.New("probe.phase_duration must be > 0")
	}
	if c.Probe.SampleInterval.Duration() <= 0 {
		return errors.New("probe.sample_interval must be > 0")
	}
	if c.Probe.Jitter() < 0 {
		return errors.New("probe.upload_jitter must be >= 0")
	}
	if err := c.Probe.Payload.validate(); err != nil {
		return err
	}

	if c.Control.IsEnabled() {
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
		if c.Control.BindAddr == c.Server.BindAddr && c.Control.BindPort == c.Server.BindPort {
			return errors.New("control and server must not share an address")
		}
		if err := c.Control.RateLimit.validate("control.rate_limit"); err != nil {
			return err
		}
	}

	c.GeoIP.Database = strings.TrimSpace(c.GeoIP.Database)
	return nil
}

func (p *PayloadConfig) validate() error {
	minBytes, err := ParseSize(p.MinSize)
	if err != nil {
		return fmt.Errorf("probe.payload.min_size: %w", err)
	}
	maxBytes, err := ParseSize(p.MaxSize)
	if err != nil {
		return fmt.Errorf("probe.payload.max_size: %w", err)
	}
	if minBytes <= 0 {
		return errors.New("probe.payload.min_size must be > 0")
	}
	if maxBytes < minBytes {
		return errors.New("probe.payload.max_size must be >= min_size")
	}
	if maxBytes > maxPayloadSize {
		return fmt.Errorf("probe.payload.max_size must be <= %d bytes", maxPayloadSize)
	}
	if len(p.Filler) != 1 {
		return errors.New("probe.payload.filler must be a single byte")
	}
	if p.Filler[0] < 0x20 || p.Filler[0] > 0x7e {
		return errors.New("probe.payload.filler must be printable ASCII")
	}
	p.MinBytes = minBytes
	p.MaxBytes = maxBytes
	return nil
}
