// Package service hosts the operational HTTP surfaces: health checks,
// prometheus metrics, and debug state.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/launchrelay/launchrelay/launch"
	"github.com/launchrelay/launchrelay/metrics"
	"github.com/launchrelay/launchrelay/registry"
)

const (
	DefaultHealthzAddr = "0.0.0.0:8080"
	DefaultMetricsAddr = "0.0.0.0:7300"
)

type Config struct {
	HealthzAddr string
	// MetricsAddr empty disables the metrics server
	MetricsAddr string
	// DebugAddr empty disables the debug server
	DebugAddr   string
	Coordinator *launch.Coordinator
	Registry    *registry.Registry
	Log         log.Logger
}

type Service struct {
	cfg     Config
	Healthz *HealthzServer
	Metrics *MetricsServer
	Debug   *DebugServer
	log     log.Logger
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = DefaultHealthzAddr
	}

	s := &Service{
		cfg:     cfg,
		Healthz: &HealthzServer{log: cfg.Log},
		log:     cfg.Log,
	}
	if cfg.MetricsAddr != "" {
		s.Metrics = &MetricsServer{}
	}
	if cfg.DebugAddr != "" && cfg.Coordinator != nil && cfg.Registry != nil {
		s.Debug = NewDebugServer(cfg.Coordinator, cfg.Registry, cfg.Log)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("Service starting")

	go func() {
		s.log.Info("Starting healthz server", "addr", s.cfg.HealthzAddr)
		if err := s.Healthz.Start(ctx, s.cfg.HealthzAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz server", err)
		}
	}()

	if s.Metrics != nil {
		go func() {
			s.log.Info("Starting metrics server", "addr", s.cfg.MetricsAddr)
			if err := s.Metrics.Start(ctx, s.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Error starting metrics server", "err", err)
				metrics.RecordErrorDetails("metrics server", err)
			}
		}()
	}

	if s.Debug != nil {
		go func() {
			s.log.Info("Starting debug server", "addr", s.cfg.DebugAddr)
			if err := s.Debug.Start(ctx, s.cfg.DebugAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Error starting debug server", "err", err)
				metrics.RecordErrorDetails("debug server", err)
			}
		}()
	}

	s.log.Info("Service started")
}

func (s *Service) Shutdown() {
	s.log.Info("Service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("Healthz stopped")

	if s.Metrics != nil {
		_ = s.Metrics.Shutdown()
		s.log.Info("Metrics stopped")
	}

	if s.Debug != nil {
		_ = s.Debug.Shutdown()
		s.log.Info("Debug stopped")
	}

	s.log.Info("Service stopped")
}
