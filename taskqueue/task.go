/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Priority is the priority of a background task. Greater values run first.
type Priority int

// Priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Args are arbitrary arguments passed to a task handler.
type Args map[string]any

// HandlerFunc executes a task. A non-nil error means the attempt failed and the task may be retried.
// Errors wrapped with Permanent are never retried.
type HandlerFunc func(ctx context.Context, args Args) error

// PermanentError marks a task failure that must not be retried.
type PermanentError struct {
	Err error
}

// Permanent wraps err into PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func isPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// TaskInfo describes a background task.
type TaskInfo struct {
	ID          string
	Handler     string
	Args        Args
	Priority    Priority
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
}

type task struct {
	TaskInfo
	handler HandlerFunc
	backoff backoff.BackOff
}
