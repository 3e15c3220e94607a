package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		handler   http.HandlerFunc
		status    float64
		level     string
		bodyBytes float64
	}{
		{
			name:   "default status",
			method: http.MethodGet,
			path:   "/api/v1/health",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			},
			status:    200,
			level:     "INFO",
			bodyBytes: 2,
		},
		{
			name:   "explicit status",
			method: http.MethodPost,
			path:   "/api/v1/missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			status: 404,
			level:  "INFO",
		},
		{
			name:   "first status wins",
			method: http.MethodGet,
			path:   "/test",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.WriteHeader(http.StatusInternalServerError)
			},
			status: 201,
			level:  "INFO",
		},
		{
			name:   "server error logged as warning",
			method: http.MethodDelete,
			path:   "/api/v1/calls/x",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			status: 503,
			level:  "WARN",
		},
		{
			name:    "nothing written",
			method:  http.MethodGet,
			path:    "/empty",
			handler: func(w http.ResponseWriter, r *http.Request) {},
			status:  200,
			level:   "INFO",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := StructuredLogger(jsonLogger(&buf))(tt.handler)

			req := httptest.NewRequest(tt.method, tt.path, nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			entry := decodeLog(t, &buf)
			if entry["method"] != tt.method {
				t.Errorf("method = %v, want %s", entry["method"], tt.method)
			}
			if entry["path"] != tt.path {
				t.Errorf("path = %v, want %s", entry["path"], tt.path)
			}
			// JSON numbers decode as float64.
			if entry["status"] != tt.status {
				t.Errorf("status = %v, want %v", entry["status"], tt.status)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["bytes"] != tt.bodyBytes {
				t.Errorf("bytes = %v, want %v", entry["bytes"], tt.bodyBytes)
			}
			if _, ok := entry["duration_ms"]; !ok {
				t.Error("expected duration_ms in log output")
			}
		})
	}
}

func TestStructuredLoggerRecordsClient(t *testing.T) {
	var buf bytes.Buffer
	handler := StructuredLogger(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req = req.WithContext(context.WithValue(req.Context(), subjectKey, "dialer"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLog(t, &buf); entry["client"] != "dialer" {
		t.Errorf("client = %v, want dialer", entry["client"])
	}
}
