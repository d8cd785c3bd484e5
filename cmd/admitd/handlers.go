/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/acronis/go-admitkit/httpserver/middleware"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/restapi"
	"github.com/acronis/go-admitkit/taskqueue"
)

// Task handler names.
const (
	taskProvisionBot = "provision_bot"
	taskBuildReport  = "build_report"
)

const (
	errCodeInvalidRequest  = "invalidRequest"
	errCodeSchedulerClosed = "schedulerStopped"
)

// provisionDuration imitates the time a bot needs to be provisioned.
var provisionDuration = 50 * time.Millisecond

func registerTaskHandlers(scheduler *taskqueue.Scheduler, logger log.FieldLogger) {
	scheduler.Register(taskProvisionBot, func(ctx context.Context, args taskqueue.Args) error {
		botID, _ := args["botId"].(string)
		if botID == "" {
			return taskqueue.Permanent(errors.New("botId is required"))
		}
		select {
		case <-time.After(provisionDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
		logger.Info("bot is provisioned", log.String("bot_id", botID))
		return nil
	})
	scheduler.Register(taskBuildReport, func(ctx context.Context, args taskqueue.Args) error {
		logger.Info("report is built", log.Any("report", args["name"]))
		return ctx.Err()
	})
}

type apiHandlers struct {
	app *App
}

func (h *apiHandlers) routes(router chi.Router) {
	router.Post("/bots", h.createBot)
	router.Get("/markets", h.listMarkets)
	router.Post("/analytics/reports", h.createReport)
	router.Get("/stats", h.stats)
}

type createBotRequest struct {
	Name string `json:"name"`
}

type taskAcceptedResponse struct {
	ID     string `json:"id,omitempty"`
	TaskID string `json:"taskId"`
}

func (h *apiHandlers) createBot(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())

	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		apiErr := restapi.NewError(errorDomain, errCodeInvalidRequest, "Request body must be a JSON object with non-empty name.")
		restapi.RespondError(rw, http.StatusBadRequest, apiErr, logger)
		return
	}

	botID := xid.New().String()
	taskID, err := h.app.Scheduler.Enqueue(taskProvisionBot,
		taskqueue.Args{"botId": botID, "name": req.Name}, taskqueue.PriorityHigh, 0)
	if err != nil {
		h.respondEnqueueError(rw, err, logger)
		return
	}
	rw.Header().Set("Location", "/api/bots/"+botID)
	restapi.RespondCodeAndJSON(rw, http.StatusAccepted, taskAcceptedResponse{ID: botID, TaskID: taskID}, logger)
}

func (h *apiHandlers) createReport(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "daily"
	}
	taskID, err := h.app.Scheduler.Enqueue(taskBuildReport, taskqueue.Args{"name": name}, taskqueue.PriorityLow, 1)
	if err != nil {
		h.respondEnqueueError(rw, err, logger)
		return
	}
	restapi.RespondCodeAndJSON(rw, http.StatusAccepted, taskAcceptedResponse{TaskID: taskID}, logger)
}

func (h *apiHandlers) respondEnqueueError(rw http.ResponseWriter, err error, logger log.FieldLogger) {
	if errors.Is(err, taskqueue.ErrSchedulerStopped) {
		apiErr := restapi.NewError(errorDomain, errCodeSchedulerClosed, "Service is shutting down.")
		restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
		return
	}
	if logger != nil {
		logger.Error("failed to enqueue task", log.Error(err))
	}
	restapi.RespondInternalError(rw, errorDomain, logger)
}

type market struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func (h *apiHandlers) listMarkets(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, []market{
		{Symbol: "BTC-USD", Price: 64250.5},
		{Symbol: "ETH-USD", Price: 3120.25},
	}, middleware.GetLoggerFromContext(r.Context()))
}

type statsResponse struct {
	RateLimit struct {
		Total           int64   `json:"total"`
		Allowed         int64   `json:"allowed"`
		Rejected        int64   `json:"rejected"`
		RejectedPercent float64 `json:"rejectedPercent"`
	} `json:"rateLimit"`
	Dedup struct {
		Hits    int64   `json:"hits"`
		Misses  int64   `json:"misses"`
		Skipped int64   `json:"skipped"`
		HitRate float64 `json:"hitRate"`
	} `json:"dedup"`
	Admission struct {
		State    string `json:"state"`
		Active   int    `json:"active"`
		Waiting  int    `json:"waiting"`
		Rejected int64  `json:"rejected"`
		TimedOut int64  `json:"timedOut"`
	} `json:"admission"`
	Tasks taskqueue.PoolMetrics `json:"tasks"`
	Store struct {
		Degraded bool `json:"degraded"`
	} `json:"store"`
}

func (h *apiHandlers) stats(rw http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	rl := h.app.Limiter.Stats()
	resp.RateLimit.Total = rl.Total
	resp.RateLimit.Allowed = rl.Allowed
	resp.RateLimit.Rejected = rl.Rejected
	resp.RateLimit.RejectedPercent = rl.RejectedPercent()

	dd := h.app.DedupCache.Stats()
	resp.Dedup.Hits = dd.Hits
	resp.Dedup.Misses = dd.Misses
	resp.Dedup.Skipped = dd.Skipped
	resp.Dedup.HitRate = dd.HitRate()

	qs := h.app.Queue.Stats()
	resp.Admission.State = qs.State.String()
	resp.Admission.Active = qs.Active
	resp.Admission.Waiting = qs.Waiting
	resp.Admission.Rejected = qs.Rejected
	resp.Admission.TimedOut = qs.TimedOut

	resp.Tasks = h.app.Scheduler.Stats()
	resp.Store.Degraded = h.app.Stack.Degraded()

	restapi.RespondJSON(rw, resp, middleware.GetLoggerFromContext(r.Context()))
}
