/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"

	"github.com/acronis/go-admitkit/admission"
	"github.com/acronis/go-admitkit/dedup"
	"github.com/acronis/go-admitkit/httpserver"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/ratelimit"
	"github.com/acronis/go-admitkit/restapi"
	"github.com/acronis/go-admitkit/service"
	"github.com/acronis/go-admitkit/store"
	"github.com/acronis/go-admitkit/taskqueue"
)

const (
	errorDomain      = "Admitd"
	metricsNamespace = "admitd"
)

// App holds all admitd components wired together.
type App struct {
	Stack      *store.Stack
	Limiter    *ratelimit.Limiter
	DedupCache *dedup.Cache
	Queue      *admission.Queue
	Scheduler  *taskqueue.Scheduler
	HTTPServer *httpserver.HTTPServer

	metrics promCollectors
	logger  log.FieldLogger
}

// NewApp creates all components described by the configuration. The store is opened
// (and Redis pinged) here; call Close to release it.
func NewApp(ctx context.Context, cfg *AppConfig, logger log.FieldLogger) (*App, error) {
	app := &App{logger: logger}

	storeMetrics := store.NewPrometheusMetricsWithOpts(store.PrometheusMetricsOpts{Namespace: metricsNamespace})
	limiterMetrics := ratelimit.NewPrometheusMetricsWithOpts(ratelimit.PrometheusMetricsOpts{Namespace: metricsNamespace})
	dedupMetrics := dedup.NewPrometheusMetricsWithOpts(dedup.PrometheusMetricsOpts{Namespace: metricsNamespace})
	queueMetrics := admission.NewPrometheusMetricsWithOpts(admission.PrometheusMetricsOpts{Namespace: metricsNamespace})
	taskMetrics := taskqueue.NewPrometheusMetricsWithOpts(taskqueue.PrometheusMetricsOpts{Namespace: metricsNamespace})
	app.metrics = promCollectors{storeMetrics, limiterMetrics, dedupMetrics, queueMetrics, taskMetrics}

	var err error
	if app.Stack, err = store.Open(ctx, cfg.Store, logger, storeMetrics); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	limiterOpts := cfg.RateLimit.LimiterOpts()
	limiterOpts.Logger = logger
	limiterOpts.MetricsCollector = limiterMetrics
	if app.Limiter, err = ratelimit.NewLimiterWithOpts(app.Stack.Store, limiterOpts); err != nil {
		_ = app.Stack.Close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	cacheOpts := cfg.Dedup.CacheOpts()
	cacheOpts.Logger = logger
	cacheOpts.MetricsCollector = dedupMetrics
	if app.DedupCache, err = dedup.NewCache(app.Stack.Store, cacheOpts); err != nil {
		_ = app.Stack.Close()
		return nil, fmt.Errorf("create deduplication cache: %w", err)
	}

	queueOpts := cfg.Admission.QueueOpts()
	queueOpts.Logger = logger
	queueOpts.MetricsCollector = queueMetrics
	if app.Queue, err = admission.NewQueueWithOpts(queueOpts); err != nil {
		_ = app.Stack.Close()
		return nil, fmt.Errorf("create admission queue: %w", err)
	}

	schedulerOpts := cfg.Tasks.SchedulerOpts()
	schedulerOpts.Logger = logger
	schedulerOpts.MetricsCollector = taskMetrics
	schedulerOpts.OnPermanentFailure = func(info taskqueue.TaskInfo, err error) {
		logger.Error("task is given up", log.String("task_id", info.ID), log.String("handler", info.Handler),
			log.Int("attempts", info.Attempt), log.Error(err))
	}
	if app.Scheduler, err = taskqueue.NewSchedulerWithOpts(schedulerOpts); err != nil {
		_ = app.Stack.Close()
		return nil, fmt.Errorf("create task scheduler: %w", err)
	}
	registerTaskHandlers(app.Scheduler, logger)

	api := &apiHandlers{app: app}
	if app.HTTPServer, err = httpserver.New(cfg.Server, logger, httpserver.Opts{
		ErrorDomain: errorDomain,
		APIRoutes:   api.routes,
		Admission: httpserver.AdmissionChainOpts{
			Limiter:    app.Limiter,
			DedupCache: app.DedupCache,
			Queue:      app.Queue,
		},
		HealthCheckContext: app.healthCheck,
		HTTPRequestMetrics: httpserver.HTTPRequestMetricsOpts{Namespace: metricsNamespace},
	}); err != nil {
		_ = app.Stack.Close()
		return nil, fmt.Errorf("create http server: %w", err)
	}

	return app, nil
}

// Unit returns a service unit running the HTTP server and all background workers.
func (a *App) Unit(cfg *AppConfig) service.Unit {
	return service.NewCompositeUnit(
		a.HTTPServer,
		service.NewWorkerUnitWithOpts(service.WorkerFunc(a.Queue.Run), service.WorkerUnitOpts{MetricsRegisterer: a.metrics}),
		service.NewWorkerUnit(service.WorkerFunc(a.Scheduler.Run)),
		service.NewWorkerUnit(a.Stack.Memory.NewCleanupWorker(cfg.Store.CleanupInterval, a.logger)),
	)
}

// Close releases the store connection.
func (a *App) Close() error {
	return a.Stack.Close()
}

func (a *App) healthCheck(ctx context.Context) (httpserver.HealthCheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	storeStatus := httpserver.HealthCheckStatusOK
	if a.Stack.Degraded() {
		storeStatus = httpserver.HealthCheckStatusDegraded
	}
	queueStatus := httpserver.HealthCheckStatusOK
	if a.Queue.State() == admission.StateQueuing {
		queueStatus = httpserver.HealthCheckStatusDegraded
	}
	return httpserver.HealthCheckResult{"store": storeStatus, "admission": queueStatus}, nil
}

// Run starts admitd and blocks until a shutdown signal is received or ctx is canceled.
func Run(ctx context.Context, cfg *AppConfig) error {
	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize admitd", log.Error(err))
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("failed to close store", log.Error(closeErr))
		}
	}()

	restapi.MustInitAndRegisterMetrics(metricsNamespace)
	defer restapi.UnregisterMetrics()

	logger.Info("admitd is starting", log.String("version", version), log.String("store_backend", string(cfg.Store.Backend)))
	return service.New(logger, app.Unit(cfg)).StartContext(ctx)
}

type promCollector interface {
	MustRegister()
	Unregister()
}

// promCollectors presents component metrics as service.MetricsRegisterer.
type promCollectors []promCollector

func (pc promCollectors) MustRegisterMetrics() {
	for _, c := range pc {
		c.MustRegister()
	}
}

func (pc promCollectors) UnregisterMetrics() {
	for _, c := range pc {
		c.Unregister()
	}
}
