/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrorFromHTTPCode(t *testing.T) {
	for _, tt := range []struct {
		httpCode    int
		wantCode    string
		wantMessage string
	}{
		{http.StatusInternalServerError, ErrCodeInternal, "Internal Server Error."},
		{http.StatusRequestEntityTooLarge, "requestEntityTooLarge", "Request Entity Too Large."},
		{http.StatusServiceUnavailable, "serviceUnavailable", "Service Unavailable."},
		{http.StatusNotFound, "notFound", "Not Found."},
	} {
		t.Run(tt.wantCode, func(t *testing.T) {
			err := NewErrorFromHTTPCode(testDomain, tt.httpCode)
			require.Equal(t, testDomain, err.Domain)
			require.Equal(t, tt.wantCode, err.Code)
			require.Equal(t, tt.wantMessage, err.Message)
		})
	}
}

func TestError_Error(t *testing.T) {
	apiErr := NewError(testDomain, ErrCodeQueueFull, ErrMessageQueueFull).AddContext("queue", "api").AddDebug("pending", 10)
	require.Equal(t, testDomain+": queueFull: "+ErrMessageQueueFull, apiErr.Error())
	require.Equal(t, "api", apiErr.Context["queue"])
	require.Equal(t, 10, apiErr.Debug["pending"])

	var target *Error
	require.True(t, errors.As(fmt.Errorf("enqueue: %w", apiErr), &target))
	require.Equal(t, ErrCodeQueueFull, target.Code)

	require.Equal(t, testDomain+": notFound", (&Error{Domain: testDomain, Code: ErrCodeNotFound}).Error())
}
