/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/restapi"
)

// RecoveryDefaultStackSize is the number of stack bytes logged for a recovered panic.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents an options for Recovery middleware.
type RecoveryOpts struct {
	// StackSize limits the logged stacktrace. Zero disables stack logging.
	StackSize int

	// PanicsTotal, when set, is incremented for every recovered panic.
	PanicsTotal prometheus.Counter
}

// Recovery returns a middleware that turns a panic of the downstream handler into a 500 response
// with an internal error body. It sits outside the admission middlewares, so a panicking handler
// still releases its admission slot before the error is written.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is a more configurable version of Recovery middleware.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					handlePanic(rw, r, p, errDomain, opts)
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

func handlePanic(rw http.ResponseWriter, r *http.Request, p interface{}, errDomain string, opts RecoveryOpts) {
	logger := GetLoggerFromContext(r.Context())

	// http.ErrAbortHandler is the sentinel net/http uses to abort a response silently.
	// It is re-raised so the server drops the connection without a stacktrace.
	if p == http.ErrAbortHandler {
		if logger != nil {
			logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
		}
		panic(p)
	}

	if opts.PanicsTotal != nil {
		opts.PanicsTotal.Inc()
	}
	if logger != nil {
		fields := []log.Field{log.String("panic", fmt.Sprintf("%+v", p))}
		if opts.StackSize > 0 {
			stack := make([]byte, opts.StackSize)
			fields = append(fields, log.Bytes("stack", stack[:runtime.Stack(stack, false)]))
		}
		logger.Error("handler panicked", fields...)
	}
	extendLoggingFields(GetLoggingParamsFromContext(r.Context()), log.Bool("panic", true))

	restapi.RespondInternalError(rw, errDomain, logger)
}
