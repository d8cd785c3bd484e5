/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-admitkit/admission"
	"github.com/acronis/go-admitkit/dedup"
	"github.com/acronis/go-admitkit/httpserver/middleware"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/ratelimit"
	"github.com/acronis/go-admitkit/restapi"
)

// APIPrefix is the path prefix under which API routes are mounted.
const APIPrefix = "/api"

// AdmissionChainOpts contains components of the admission chain applied to API routes.
// Each stage is enabled only when its component is set. Stages run in the order:
// rate limiting, deduplication, admission queue.
type AdmissionChainOpts struct {
	Limiter       *ratelimit.Limiter
	RateLimitOpts middleware.RateLimitOpts

	DedupCache *dedup.Cache
	DedupOpts  middleware.DedupOpts

	Queue         *admission.Queue
	AdmissionOpts middleware.AdmissionOpts
}

// Middlewares returns the enabled admission chain middlewares in application order.
// nolint // hugeParam: opts is heavy, it's ok in this case.
func (opts AdmissionChainOpts) Middlewares(errDomain string) []func(http.Handler) http.Handler {
	var mws []func(http.Handler) http.Handler
	if opts.Limiter != nil {
		mws = append(mws, middleware.RateLimitWithOpts(opts.Limiter, errDomain, opts.RateLimitOpts))
	}
	if opts.DedupCache != nil {
		mws = append(mws, middleware.DedupWithOpts(opts.DedupCache, opts.DedupOpts))
	}
	if opts.Queue != nil {
		mws = append(mws, middleware.AdmissionWithOpts(opts.Queue, errDomain, opts.AdmissionOpts))
	}
	return mws
}

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	APIRoutes          APIRoute
	Admission          AdmissionChainOpts
	RootMiddlewares    []func(http.Handler) http.Handler
	ErrorDomain        string
	HealthCheck        HealthCheck
	HealthCheckContext HealthCheckContext
	MetricsHandler     http.Handler
}

// NewRouter creates a new chi.Router and performs its basic configuration.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	configureRouter(router, logger, opts)
	return router
}

// nolint // hugeParam: opts is heavy, it's ok in this case.
func configureRouter(router chi.Router, logger log.FieldLogger, opts RouterOpts) {
	router.Use(opts.RootMiddlewares...)

	// Expose endpoint for Prometheus.
	metricsHandler := opts.MetricsHandler
	if opts.MetricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	if opts.HealthCheckContext != nil {
		router.Method(http.MethodGet, "/healthz", NewHealthCheckHandlerContext(opts.HealthCheckContext))
	} else {
		router.Method(http.MethodGet, "/healthz", NewHealthCheckHandler(opts.HealthCheck))
	}

	if opts.APIRoutes != nil {
		router.Route(APIPrefix, func(router chi.Router) {
			router.Use(opts.Admission.Middlewares(opts.ErrorDomain)...)
			opts.APIRoutes(router)
		})
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, logger)
	})

	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, logger)
	})
}

// nolint // hugeParam: opts is heavy, it's ok in this case.
func applyDefaultMiddlewaresToRouter(
	router chi.Router, cfg *Config, logger log.FieldLogger, opts Opts, metricsCollector *middleware.HTTPRequestMetricsCollector,
) {
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(rw, r.WithContext(middleware.NewContextWithRequestStartTime(r.Context(), time.Now())))
		})
	})

	// Request ID middleware.
	router.Use(middleware.RequestID())

	// Logging middleware.
	loggingOpts := middleware.LoggingOpts{
		RequestStart:           cfg.Log.RequestStart,
		RequestHeaders:         make(map[string]string, len(cfg.Log.RequestHeaders)),
		ExcludedEndpoints:      cfg.Log.ExcludedEndpoints,
		SecretQueryParams:      cfg.Log.SecretQueryParams,
		AddRequestInfoToLogger: cfg.Log.AddRequestInfoToLogger,
		SlowRequestThreshold:   time.Duration(cfg.Log.SlowRequestThreshold),
	}
	for _, headerName := range cfg.Log.RequestHeaders {
		logFieldKey := "req_header_" + strings.ToLower(strings.ReplaceAll(headerName, "-", "_"))
		loggingOpts.RequestHeaders[headerName] = logFieldKey
	}
	router.Use(middleware.LoggingWithOpts(logger, loggingOpts))

	// Recovery middleware.
	router.Use(middleware.Recovery(opts.ErrorDomain))

	// Metrics middleware
	getRoutePattern := middleware.GetChiRoutePattern
	if opts.HTTPRequestMetrics.GetRoutePattern != nil {
		// Custom route pattern parser
		getRoutePattern = opts.HTTPRequestMetrics.GetRoutePattern
	}
	router.Use(middleware.HTTPRequestMetricsWithOpts(metricsCollector, getRoutePattern,
		middleware.HTTPRequestMetricsOpts{ExcludedEndpoints: systemEndpoints}))

	// Middleware to limit max request body.
	if cfg.Limits.MaxBodySize > 0 {
		router.Use(chimw.RequestSize(int64(cfg.Limits.MaxBodySize)))
	}
}
