/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-admitkit/httpserver/middleware"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/service"
)

const (
	networkTCP  = "tcp"
	networkUnix = "unix"
)

// systemEndpoints is a list of endpoints which are not involved in metrics collecting.
var systemEndpoints = []string{"/metrics", "/healthz"}

// APIRoute is a type alias for a function that configures API routes.
type APIRoute = func(router chi.Router)

// HTTPRequestMetricsOpts represents options for HTTPRequestMetricsOpts middleware that used in HTTPServer.
type HTTPRequestMetricsOpts struct {
	// Metrics opts.
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels

	// Middleware opts.
	GetRoutePattern middleware.RoutePatternGetterFunc
}

// Opts represents options for creating HTTPServer.
type Opts struct {
	// APIRoutes configures routes mounted under APIPrefix. The admission chain is applied to them.
	APIRoutes APIRoute
	// Admission contains components of the admission chain (rate limiter, deduplication cache, admission queue).
	Admission AdmissionChainOpts
	// RootMiddlewares is a list of middlewares to be applied to the root router.
	RootMiddlewares []func(http.Handler) http.Handler
	// ErrorDomain is used for error response formatting.
	ErrorDomain string
	// HealthCheck is a function that performs health check logic.
	HealthCheck HealthCheck
	// HealthCheckContext is a function that performs context-aware health check logic.
	HealthCheckContext HealthCheckContext
	// MetricsHandler is a custom handler for the /metrics endpoint (e.g., Prometheus handler).
	MetricsHandler http.Handler
	// HTTPRequestMetrics contains options for configuring HTTP request metrics middleware.
	HTTPRequestMetrics HTTPRequestMetricsOpts
	// Handler is a custom HTTP handler to use instead of the default router with middlewares.
	// When provided, default middlewares are not applied.
	Handler http.Handler
	// Listener is a pre-configured network listener to use instead of creating a new one.
	Listener net.Listener
}

func (opts Opts) routerOpts() RouterOpts {
	return RouterOpts{
		APIRoutes:          opts.APIRoutes,
		Admission:          opts.Admission,
		RootMiddlewares:    opts.RootMiddlewares,
		ErrorDomain:        opts.ErrorDomain,
		HealthCheck:        opts.HealthCheck,
		HealthCheckContext: opts.HealthCheckContext,
		MetricsHandler:     opts.MetricsHandler,
	}
}

// HTTPServer represents a wrapper around http.Server with additional fields and methods.
// chi.Router is used as a handler for the server by default.
// It also implements service.Unit and service.MetricsRegisterer interfaces.
type HTTPServer struct {
	URL             string
	HTTPServer      *http.Server
	UnixSocketPath  string
	TLS             TLSConfig
	HTTPRouter      chi.Router
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener       net.Listener
	port           atomic.Int32
	serveDone      atomic.Pointer[chan struct{}]
	httpReqMetrics *middleware.HTTPRequestMetricsCollector
}

var _ service.Unit = (*HTTPServer)(nil)
var _ service.MetricsRegisterer = (*HTTPServer)(nil)

// New creates a new HTTPServer with predefined logging, metrics collecting,
// recovering after panics and health-checking functionality.
// API routes are served behind the admission chain configured in opts.Admission.
func New(cfg *Config, logger log.FieldLogger, opts Opts) (*HTTPServer, error) { //nolint // hugeParam: opts is heavy, it's ok in this case.
	if opts.Handler != nil {
		return newWithHandler(cfg, logger, opts.Handler, opts.Listener), nil
	}
	if opts.APIRoutes == nil && (opts.Admission.Limiter != nil || opts.Admission.DedupCache != nil || opts.Admission.Queue != nil) {
		return nil, fmt.Errorf("admission chain is configured but no API routes are set")
	}

	httpReqMetrics := middleware.NewHTTPRequestMetricsCollectorWithOpts(
		middleware.HTTPRequestMetricsCollectorOpts{
			Namespace:       opts.HTTPRequestMetrics.Namespace,
			DurationBuckets: opts.HTTPRequestMetrics.DurationBuckets,
			ConstLabels:     opts.HTTPRequestMetrics.ConstLabels,
		})
	router := chi.NewRouter()
	applyDefaultMiddlewaresToRouter(router, cfg, logger, opts, httpReqMetrics)
	configureRouter(router, logger, opts.routerOpts())

	appSrv := newWithHandler(cfg, logger, router, opts.Listener)
	appSrv.httpReqMetrics = httpReqMetrics
	return appSrv, nil
}

func newWithHandler(cfg *Config, logger log.FieldLogger, handler http.Handler, listener net.Listener) *HTTPServer {
	scheme, host := "http", cfg.Address
	if cfg.TLS.Enabled {
		scheme = "https"
	}
	if cfg.UnixSocketPath != "" {
		host = "localhost" // Ignored by the unix socket transport.
	}
	router, _ := handler.(chi.Router)
	return &HTTPServer{
		URL: scheme + "://" + host,
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadTimeout:       time.Duration(cfg.Timeouts.Read),
			ReadHeaderTimeout: time.Duration(cfg.Timeouts.ReadHeader),
			WriteTimeout:      time.Duration(cfg.Timeouts.Write),
			IdleTimeout:       time.Duration(cfg.Timeouts.Idle),
		},
		UnixSocketPath:  cfg.UnixSocketPath,
		TLS:             cfg.TLS,
		HTTPRouter:      router,
		Logger:          logger,
		ShutdownTimeout: time.Duration(cfg.Timeouts.Shutdown),
		listener:        listener,
	}
}

// Start serves HTTP until the server is stopped. It blocks, so it is run in its own goroutine
// (service.Service does that). Listening or serving failures are sent to fatalError.
func (s *HTTPServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	defer close(done)
	s.serveDone.Store(&done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.String("unix_socket_path", s.UnixSocketPath),
		log.Bool("tls", s.TLS.Enabled),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	logger.Info("starting application HTTP server...")

	if err := s.listen(); err != nil {
		logger.Error("application HTTP server error", log.Error(err))
		fatalError <- err
		return
	}

	var err error
	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("application HTTP server closed")
		return
	}
	logger.Error("application HTTP server error", log.Error(err))
	fatalError <- err
}

// listen opens the listener unless one was passed in Opts and remembers the bound TCP port.
func (s *HTTPServer) listen() error {
	if s.listener == nil {
		network, addr := s.NetworkAndAddr()
		if network == networkUnix {
			if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove unix socket file %q: %w", addr, err)
			}
		}
		ln, err := net.Listen(network, addr)
		if err != nil {
			return err
		}
		s.listener = ln
	}
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(tcpAddr.Port))
	}
	return nil
}

// Stop shuts the server down. A graceful stop lets in-flight requests (including ones waiting
// in the admission queue) finish within ShutdownTimeout, a forced one closes all connections at once.
func (s *HTTPServer) Stop(gracefully bool) error {
	if gracefully {
		ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		s.Logger.Info("shutting down application HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
		if err := s.HTTPServer.Shutdown(ctx); err != nil {
			s.Logger.Error("application HTTP server shutting down error", log.Error(err))
			return err
		}
		s.Logger.Info("application HTTP server shut down")
	} else {
		s.Logger.Info("closing application HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("application HTTP server closing error", log.Error(err))
			return err
		}
	}
	if done := s.serveDone.Load(); done != nil {
		<-*done
	}
	return nil
}

// MustRegisterMetrics registers the HTTP request metrics in the default Prometheus registry.
func (s *HTTPServer) MustRegisterMetrics() {
	if s.httpReqMetrics != nil {
		s.httpReqMetrics.MustRegister()
	}
}

// UnregisterMetrics removes the HTTP request metrics from the default Prometheus registry.
func (s *HTTPServer) UnregisterMetrics() {
	if s.httpReqMetrics != nil {
		s.httpReqMetrics.Unregister()
	}
}

// NetworkAndAddr returns "unix" and the socket path when UnixSocketPath is set, "tcp" and Addr otherwise.
func (s *HTTPServer) NetworkAndAddr() (network string, addr string) {
	if s.UnixSocketPath != "" {
		return networkUnix, s.UnixSocketPath
	}
	return networkTCP, s.HTTPServer.Addr
}

// GetPort returns the TCP port the server listens on. It's 0 until the server is started.
func (s *HTTPServer) GetPort() int {
	return int(s.port.Load())
}
