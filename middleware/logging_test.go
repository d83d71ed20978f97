package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestLoggingMiddleware_InjectsRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(LoggingMiddleware())
	r.GET("/orders", func(c *gin.Context) {
		pkgzerolog.FromContext(c.Request.Context()).Info().Msg("inside handler")
		c.Set(SessionIDKey, "sess-1")
		c.Status(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc123", w.Header().Get(TraceIDHeader))

	entries := logLines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "inside handler", entries[0]["message"])
	assert.Equal(t, "abc123", entries[0]["trace_id"])

	access := entries[1]
	assert.Equal(t, "HTTP request", access["message"])
	assert.Equal(t, "warn", access["level"])
	assert.Equal(t, "abc123", access["trace_id"])
	assert.Equal(t, "sess-1", access["session_id"])
	assert.EqualValues(t, http.StatusNotFound, access["status"])
}

func TestLoggingMiddleware_GeneratesTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogs(t)

	r := gin.New()
	r.Use(LoggingMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	traceID := w.Header().Get(TraceIDHeader)
	assert.Len(t, traceID, 32)
	assert.NotContains(t, traceID, "-")

	entries := logLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, traceID, entries[0]["trace_id"])
}
