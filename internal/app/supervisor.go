package app

import (
	"os"
	"sync"

	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/util"
)

// Supervisor owns the current Runtime and rebuilds it from the config file
// on restart.
type Supervisor struct {
	configPath string
	logger     util.Logger
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	logger, err := util.NewLoggerWith(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	runtime, err := NewRuntime(cfg, logger, s.Restart)
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart stops the running generation, then starts a new one from the
// config file. Live sessions are closed.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	if err := s.Start(); err != nil {
		s.logger.Error("restart failed", "config", s.configPath, "error", err)
		return err
	}
	s.logger.Info("restart completed", "config", s.configPath)
	return nil
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Runtime returns the current generation, or nil while stopped.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}
