/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

var errorTests = []struct {
	Name             string
	RespCode         int
	RespBody         string
	RespContentType  string
	RequireCode      int
	RequireErrDomain string
	RequireErrCode   string
	WantFailed       bool
}{
	{
		Name:             "ok",
		RespCode:         http.StatusTooManyRequests,
		RespContentType:  contentTypeAppJSON,
		RespBody:         `{"error":{"domain":"Admission","code":"tooManyRequests"}}`,
		RequireCode:      http.StatusTooManyRequests,
		RequireErrDomain: "Admission",
		RequireErrCode:   "tooManyRequests",
	},
	{
		Name:             "invalid status code",
		RespCode:         http.StatusBadRequest,
		RespContentType:  contentTypeAppJSON,
		RespBody:         `{"error":{"domain":"Admission","code":"tooManyRequests"}}`,
		RequireCode:      http.StatusTooManyRequests,
		RequireErrDomain: "Admission",
		RequireErrCode:   "tooManyRequests",
		WantFailed:       true,
	},
	{
		Name:             "invalid content type",
		RespCode:         http.StatusServiceUnavailable,
		RespContentType:  "text/html",
		RespBody:         `{"error":{"domain":"Admission","code":"queueFull"}}`,
		RequireCode:      http.StatusServiceUnavailable,
		RequireErrDomain: "Admission",
		RequireErrCode:   "queueFull",
		WantFailed:       true,
	},
	{
		Name:             "invalid err domain",
		RespCode:         http.StatusServiceUnavailable,
		RespContentType:  contentTypeAppJSON,
		RespBody:         `{"error":{"domain":"Other","code":"queueFull"}}`,
		RequireCode:      http.StatusServiceUnavailable,
		RequireErrDomain: "Admission",
		RequireErrCode:   "queueFull",
		WantFailed:       true,
	},
	{
		Name:             "invalid err code",
		RespCode:         http.StatusServiceUnavailable,
		RespContentType:  contentTypeAppJSON,
		RespBody:         `{"error":{"domain":"Admission","code":"queueTimeout"}}`,
		RequireCode:      http.StatusServiceUnavailable,
		RequireErrDomain: "Admission",
		RequireErrCode:   "queueFull",
		WantFailed:       true,
	},
}

func TestRequireErrorInRecorder(t *testing.T) {
	for i := range errorTests {
		tt := errorTests[i]
		t.Run(tt.Name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.Header().Set("Content-Type", tt.RespContentType)
			rec.WriteHeader(tt.RespCode)
			_, _ = rec.Write([]byte(tt.RespBody))
			mockT := &MockT{}
			RequireErrorInRecorder(mockT, rec, tt.RequireCode, tt.RequireErrDomain, tt.RequireErrCode)
			require.Equal(t, tt.WantFailed, mockT.Failed)
		})
	}
}

func TestRequireRetryAfterInRecorder(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantFailed bool
	}{
		{name: "ok", header: "3"},
		{name: "missing", header: "", wantFailed: true},
		{name: "zero", header: "0", wantFailed: true},
		{name: "too big", header: "30", wantFailed: true},
		{name: "not a number", header: "soon", wantFailed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if tt.header != "" {
				rec.Header().Set("Retry-After", tt.header)
			}
			mockT := &MockT{}
			RequireRetryAfterInRecorder(mockT, rec, 5)
			require.Equal(t, tt.wantFailed, mockT.Failed)
		})
	}
}

func TestRequireJSONInRecorder(t *testing.T) {
	type payload struct {
		TaskID string `json:"task_id"`
	}
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", contentTypeAppJSON)
	_, _ = rec.Write([]byte(`{"task_id":"abc"}`))
	mockT := &MockT{}
	RequireJSONInRecorder(mockT, rec, &payload{TaskID: "abc"}, &payload{})
	require.False(t, mockT.Failed)
}
