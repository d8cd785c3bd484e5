/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"net/http"
	"strings"
	"unicode"
)

// Error is the payload of the {"error": {...}} body of every failed API response.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
	Debug   map[string]interface{} `json:"debug,omitempty"`
}

// Error codes used by the admission layer. They are variables so a service may rename them.
var (
	ErrCodeInternal         = "internalError"
	ErrCodeNotFound         = "notFound"
	ErrCodeMethodNotAllowed = "methodNotAllowed"
	ErrCodeTooManyRequests  = "tooManyRequests"
	ErrCodeQueueFull        = "queueFull"
	ErrCodeQueueTimeout     = "queueTimeout"
)

// Default human-readable messages for the codes above.
var (
	ErrMessageInternal         = "Internal error."
	ErrMessageNotFound         = "Not found."
	ErrMessageMethodNotAllowed = "Method not allowed."
	ErrMessageTooManyRequests  = "Too many requests."
	ErrMessageQueueFull        = "Service is overloaded, request queue is full."
	ErrMessageQueueTimeout     = "Service is overloaded, request timed out in queue."
)

// NewError creates a new Error with specified params.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError creates a new internal error with specified domain.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// NewErrorFromHTTPCode creates a new Error with a code derived from the HTTP status text
// (e.g. 413 -> "requestEntityTooLarge").
func NewErrorFromHTTPCode(domain string, httpCode int) *Error {
	return NewError(domain, httpCode2ErrorCode(httpCode), http.StatusText(httpCode)+".")
}

// AddContext adds value to error context.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[field] = value
	return e
}

// AddDebug adds value to debug info.
func (e *Error) AddDebug(field string, value interface{}) *Error {
	if e.Debug == nil {
		e.Debug = make(map[string]interface{})
	}
	e.Debug[field] = value
	return e
}

// Error implements the error interface so that handlers may return *Error up the call stack.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Domain + ": " + e.Code
	}
	return e.Domain + ": " + e.Code + ": " + e.Message
}

// httpCode2ErrorCode turns the status text into lower camel case ("Request Entity Too Large" -> "requestEntityTooLarge").
func httpCode2ErrorCode(httpCode int) string {
	if httpCode == http.StatusInternalServerError {
		return ErrCodeInternal
	}
	words := strings.Fields(http.StatusText(httpCode))
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		if i > 0 && len(runes) > 0 {
			runes[0] = unicode.ToUpper(runes[0])
		}
		words[i] = string(runes)
	}
	return strings.Join(words, "")
}
