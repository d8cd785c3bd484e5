/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"time"

	"github.com/ssgreg/logf"

	"github.com/acronis/go-admitkit/log"
)

type loggableIntMap map[string]int64

func (lm loggableIntMap) EncodeLogfObject(e logf.FieldEncoder) error {
	for key, value := range lm {
		e.EncodeFieldInt64(key, value)
	}
	return nil
}

// LoggingParams stores parameters for the Logging middleware that the admission middlewares
// (rate limiting, deduplication, queueing) fill while the request passes through them.
type LoggingParams struct {
	fields    []log.Field
	timeSlots loggableIntMap
}

// ExtendFields extends list of fields that will be logged by the Logging middleware.
func (lp *LoggingParams) ExtendFields(fields ...log.Field) {
	lp.fields = append(lp.fields, fields...)
}

// AddTimeSlotDurationInMs adds duration in milliseconds to the element of the time_slots map.
// The map is logged for slow requests only.
func (lp *LoggingParams) AddTimeSlotDurationInMs(name string, dur time.Duration) {
	if lp.timeSlots == nil {
		lp.timeSlots = make(loggableIntMap, 1)
	}
	lp.timeSlots[name] += dur.Milliseconds()
}

// extendLoggingFields adds fields to the LoggingParams of the request if the Logging middleware is used.
func extendLoggingFields(lp *LoggingParams, fields ...log.Field) {
	if lp != nil {
		lp.ExtendFields(fields...)
	}
}
