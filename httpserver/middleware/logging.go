/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ssgreg/logf"
	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-admitkit/log"
)

const (
	// LoggingSecretQueryPlaceholder represents a placeholder that will be used for secret query parameters.
	LoggingSecretQueryPlaceholder = "_HIDDEN_"

	userAgentLogFieldKey = "user_agent"
)

// LoggingOpts represents an options for Logging middleware.
type LoggingOpts struct {
	RequestStart   bool
	RequestHeaders map[string]string
	// ExcludedEndpoints are path globs for which successful requests are not logged.
	ExcludedEndpoints      []string
	SecretQueryParams      []string
	AddRequestInfoToLogger bool
	SlowRequestThreshold   time.Duration // controls when to include "time_slots" field group into final log message
}

type loggingHandler struct {
	next     http.Handler
	logger   log.FieldLogger
	opts     LoggingOpts
	excluded []func(string) bool
}

// Logging is a middleware that writes one log line per completed request (rejections by the
// admission layer at warn level) and puts a request-scoped logger into the request's context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{RequestStart: false})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	if opts.SlowRequestThreshold == 0 {
		opts.SlowRequestThreshold = 1 * time.Second
	}
	excluded := make([]func(string) bool, 0, len(opts.ExcludedEndpoints))
	for _, pattern := range opts.ExcludedEndpoints {
		excluded = append(excluded, glob.Compile(pattern))
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{next: next, logger: logger, opts: opts, excluded: excluded}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	startTime := GetRequestStartTimeFromContext(ctx)
	if startTime.IsZero() {
		startTime = time.Now()
		ctx = NewContextWithRequestStartTime(ctx, startTime)
	}

	loggerForNext := h.logger.With(
		log.String("request_id", GetRequestIDFromContext(ctx)),
		log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
	)
	logger := loggerForNext.With(h.requestFields(r)...)
	if h.opts.AddRequestInfoToLogger {
		loggerForNext = logger
	}

	excluded := h.isExcluded(r.URL.Path)
	if h.opts.RequestStart && !excluded {
		logger.Info("request started")
	}

	lp := &LoggingParams{}
	r = r.WithContext(NewContextWithLoggingParams(NewContextWithLogger(ctx, loggerForNext), lp))
	wrw := WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	h.next.ServeHTTP(wrw, r)

	status := statusOf(wrw)
	if excluded && status < http.StatusBadRequest {
		return
	}
	duration := time.Since(startTime)
	if duration >= h.opts.SlowRequestThreshold && lp.timeSlots != nil {
		lp.fields = append(lp.fields, log.Field{Key: "time_slots", Type: logf.FieldTypeObject, Any: lp.timeSlots})
	}
	fields := append([]log.Field{
		log.Int64("duration_ms", duration.Milliseconds()),
		log.Int("status", status),
		log.Int("bytes_sent", wrw.BytesWritten()),
	}, lp.fields...)
	msg := fmt.Sprintf("response completed in %.3fs", duration.Seconds())
	if isAdmissionRejection(status) {
		logger.Warn(msg, fields...)
		return
	}
	logger.Info(msg, fields...)
}

// requestFields describes the incoming request: method, URI, client address and the configured headers.
func (h *loggingHandler) requestFields(r *http.Request) []log.Field {
	fields := []log.Field{
		log.String("method", r.Method),
		log.String("uri", h.makeURIToLog(r)),
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("content_length", r.ContentLength),
		log.String(userAgentLogFieldKey, r.UserAgent()),
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		fields = append(fields, log.String("remote_addr_ip", host))
		if p, pErr := strconv.ParseUint(port, 10, 16); pErr == nil {
			fields = append(fields, log.Uint16("remote_addr_port", uint16(p)))
		}
	}
	if origin := getOriginAddr(r); origin != "" {
		fields = append(fields, log.String("origin_addr", origin))
	}
	for header, key := range h.opts.RequestHeaders {
		fields = append(fields, log.String(key, r.Header.Get(header)))
	}
	return fields
}

// isAdmissionRejection reports statuses produced when the rate limiter or the admission queue sheds load.
func isAdmissionRejection(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func (h *loggingHandler) makeURIToLog(r *http.Request) string {
	if len(h.opts.SecretQueryParams) == 0 || r.URL.RawQuery == "" {
		return r.RequestURI
	}
	queryValues := r.URL.Query()
	for _, k := range h.opts.SecretQueryParams {
		vals := queryValues[k]
		for i := range vals {
			if vals[i] != "" {
				vals[i] = LoggingSecretQueryPlaceholder
			}
		}
	}
	return r.URL.Path + "?" + queryValues.Encode()
}

func (h *loggingHandler) isExcluded(urlPath string) bool {
	for _, match := range h.excluded {
		if match(urlPath) {
			return true
		}
	}
	return false
}
