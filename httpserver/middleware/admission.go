/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/acronis/go-admitkit/admission"
	"github.com/acronis/go-admitkit/log"
	"github.com/acronis/go-admitkit/restapi"
)

// DefaultAdmissionRetryAfter is the default value of Retry-After header for requests rejected by the admission queue.
const DefaultAdmissionRetryAfter = 5 * time.Second

// AdmissionGetPriorityFunc is a function that is called for getting the priority of the request.
type AdmissionGetPriorityFunc func(r *http.Request) admission.Priority

// AdmissionOpts represents an options for the Admission middleware.
type AdmissionOpts struct {
	// GetPriority overrides the path classification.
	GetPriority AdmissionGetPriorityFunc
	// Classifier is used when GetPriority is not set. Nil means admission.NewDefaultClassifier.
	Classifier *admission.Classifier
	RetryAfter time.Duration
}

type admissionHandler struct {
	next        http.Handler
	queue       *admission.Queue
	errDomain   string
	getPriority AdmissionGetPriorityFunc
	retryAfter  time.Duration
}

// Admission is a middleware that admits requests through the priority admission queue.
// Under load requests wait in the queue and are served in priority order,
// and the ones that cannot be queued or wait too long are rejected with 503 HTTP status code.
func Admission(queue *admission.Queue, errDomain string) func(next http.Handler) http.Handler {
	return AdmissionWithOpts(queue, errDomain, AdmissionOpts{})
}

// AdmissionWithOpts is a more configurable version of Admission middleware.
func AdmissionWithOpts(queue *admission.Queue, errDomain string, opts AdmissionOpts) func(next http.Handler) http.Handler {
	if opts.GetPriority == nil {
		classifier := opts.Classifier
		if classifier == nil {
			classifier = admission.NewDefaultClassifier()
		}
		opts.GetPriority = func(r *http.Request) admission.Priority {
			return classifier.Classify(r.URL.Path)
		}
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultAdmissionRetryAfter
	}
	return func(next http.Handler) http.Handler {
		return &admissionHandler{
			next:        next,
			queue:       queue,
			errDomain:   errDomain,
			getPriority: opts.GetPriority,
			retryAfter:  opts.RetryAfter,
		}
	}
}

func (h *admissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	priority := h.getPriority(r)
	lp := GetLoggingParamsFromContext(r.Context())

	startTime := time.Now()
	release, err := h.queue.Admit(r.Context(), priority)
	waited := time.Since(startTime)
	if lp != nil {
		lp.AddTimeSlotDurationInMs("admission_wait", waited)
	}
	if err != nil {
		extendLoggingFields(lp, log.String("admission_priority", priority.String()), log.String("admission_error", err.Error()))
		logger := GetLoggerFromContext(r.Context())
		switch {
		case errors.Is(err, admission.ErrQueueFull):
			apiErr := restapi.NewError(h.errDomain, restapi.ErrCodeQueueFull, restapi.ErrMessageQueueFull)
			restapi.RespondErrorWithRetryAfter(rw, http.StatusServiceUnavailable, h.retryAfter, apiErr, logger)
		case errors.Is(err, admission.ErrQueueTimeout):
			apiErr := restapi.NewError(h.errDomain, restapi.ErrCodeQueueTimeout, restapi.ErrMessageQueueTimeout)
			restapi.RespondErrorWithRetryAfter(rw, http.StatusServiceUnavailable, h.retryAfter, apiErr, logger)
		default:
			// The client has gone away while waiting in the queue, nobody will read the response.
			if logger != nil {
				logger.Debug("request cancelled while waiting in admission queue", log.Error(err))
			}
		}
		return
	}
	defer release()

	if waited >= time.Millisecond {
		extendLoggingFields(lp, log.String("admission_priority", priority.String()), log.Int64("admission_wait_ms", waited.Milliseconds()))
	}
	h.next.ServeHTTP(rw, r)
}
