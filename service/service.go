/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acronis/go-admitkit/log"
)

// Opts represents an options for Service.
type Opts struct {
	// ShutdownSignals stop the service gracefully. SIGINT and SIGTERM are used by New.
	ShutdownSignals []os.Signal

	// StopTimeout bounds the graceful stop. When it elapses the unit is stopped forcefully.
	// Zero means waiting as long as the unit needs.
	StopTimeout time.Duration
}

// Service owns a single (usually composite) Unit for the lifetime of the process.
// It registers the unit metrics, starts it and stops it on a shutdown signal or context cancellation.
type Service struct {
	Unit    Unit
	Signals chan os.Signal
	Logger  log.FieldLogger
	Opts    Opts
}

// New creates a Service reacting to SIGINT and SIGTERM.
func New(logger log.FieldLogger, unit Unit) *Service {
	return NewWithOpts(logger, unit, Opts{ShutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM}})
}

// NewWithOpts creates a Service with the given options.
func NewWithOpts(logger log.FieldLogger, unit Unit, opts Opts) *Service {
	return &Service{Unit: unit, Signals: make(chan os.Signal, 1), Logger: logger, Opts: opts}
}

// Start is StartContext with the background context.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext runs the unit and blocks until it fails, ctx is done or a shutdown signal is received.
// A unit failure is returned as is (wrapped); in other cases the result of the stop is returned.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	fatalErr := make(chan error, 1)
	go s.Unit.Start(fatalErr)

	if len(s.Opts.ShutdownSignals) != 0 { // Notify without signals relays all of them.
		signal.Notify(s.Signals, s.Opts.ShutdownSignals...)
		defer signal.Stop(s.Signals)
	}

	select {
	case err := <-fatalErr:
		s.Logger.Error("service unit failed", log.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	case <-ctx.Done():
		s.Logger.Info("context is done, stopping service")
	case sig := <-s.Signals:
		s.Logger.Info("shutdown signal received, stopping service", log.String("signal", sig.String()))
	}
	return s.stop()
}

func (s *Service) stop() error {
	if s.Opts.StopTimeout <= 0 {
		if err := s.Unit.Stop(true); err != nil {
			return fmt.Errorf("stop service gracefully: %w", err)
		}
		return nil
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Unit.Stop(true) }()
	select {
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("stop service gracefully: %w", err)
		}
		return nil
	case <-time.After(s.Opts.StopTimeout):
		s.Logger.Warn("graceful stop timed out, stopping service forcefully",
			log.Duration("timeout", s.Opts.StopTimeout))
		if err := s.Unit.Stop(false); err != nil {
			return fmt.Errorf("stop service forcefully: %w", err)
		}
		return fmt.Errorf("graceful stop timed out after %s", s.Opts.StopTimeout)
	}
}
