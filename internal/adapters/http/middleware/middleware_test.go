package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/quotesync/internal/adapters/http/dto"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// logLines decodes every JSON record written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any

	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		lines = append(lines, rec)
	}

	return lines
}

func newBufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func TestIDMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		middleware gin.HandlerFunc
		header     string
		get        func(*gin.Context) string
		fromCtx    func(*gin.Context) string
	}{
		{
			name:       "request id",
			middleware: RequestID(),
			header:     HeaderRequestID,
			get:        GetRequestID,
			fromCtx:    func(c *gin.Context) string { return logging.RequestIDFromContext(c.Request.Context()) },
		},
		{
			name:       "correlation id",
			middleware: CorrelationID(),
			header:     HeaderCorrelationID,
			get:        GetCorrelationID,
			fromCtx:    func(c *gin.Context) string { return logging.CorrelationIDFromContext(c.Request.Context()) },
		},
	}

	for _, tt := range tests {
		for _, incoming := range []string{"", "caller-supplied-1"} {
			t.Run(tt.name+"/"+incoming, func(t *testing.T) {
				t.Parallel()

				var fromGin, fromCtx string

				router := gin.New()
				router.Use(tt.middleware)
				router.GET("/x", func(c *gin.Context) {
					fromGin = tt.get(c)
					fromCtx = tt.fromCtx(c)
					c.Status(http.StatusNoContent)
				})

				req := httptest.NewRequest(http.MethodGet, "/x", nil)
				if incoming != "" {
					req.Header.Set(tt.header, incoming)
				}

				w := httptest.NewRecorder()
				router.ServeHTTP(w, req)

				echoed := w.Header().Get(tt.header)
				require.NotEmpty(t, echoed)
				assert.Equal(t, echoed, fromGin)
				assert.Equal(t, echoed, fromCtx)

				if incoming != "" {
					assert.Equal(t, incoming, echoed)
				}
			})
		}
	}
}

func TestGetIDs_Unset(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Empty(t, GetRequestID(c))
	assert.Empty(t, GetCorrelationID(c))
}

func TestIDMiddleware_EnrichesContextLogger(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferLogger(slog.LevelInfo)

	router := gin.New()
	router.Use(Recovery(logger), RequestID(), CorrelationID())
	router.GET("/x", func(c *gin.Context) {
		logging.FromContext(c.Request.Context()).Info("inside handler")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderCorrelationID, "corr-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "corr-1", lines[0]["correlation_id"])
}

func TestLogging(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
		wantLog   bool
	}{
		{name: "success", path: "/api/v1/quotes", status: http.StatusOK, wantLevel: "INFO", wantLog: true},
		{name: "client error", path: "/api/v1/quotes", status: http.StatusNotFound, wantLevel: "WARN", wantLog: true},
		{name: "server error", path: "/api/v1/quotes", status: http.StatusInternalServerError, wantLevel: "ERROR", wantLog: true},
		{name: "health skipped", path: "/-/live", status: http.StatusOK},
		{name: "custom skip", path: "/quiet", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, buf := newBufferLogger(slog.LevelInfo)

			router := gin.New()
			router.Use(Recovery(logger), Logging("/quiet"))
			router.Any("/*path", func(c *gin.Context) { c.Status(tt.status) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path+"?limit=5", nil))

			lines := logLines(t, buf)
			if !tt.wantLog {
				assert.Empty(t, lines)
				return
			}

			require.Len(t, lines, 1)
			assert.Equal(t, "request completed", lines[0]["msg"])
			assert.Equal(t, tt.wantLevel, lines[0]["level"])
			assert.Equal(t, tt.path+"?limit=5", lines[0]["path"])
			assert.Equal(t, "/*path", lines[0]["route"])
			assert.InDelta(t, tt.status, lines[0]["status"], 0)
		})
	}
}

func TestLogging_TraceStart(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferLogger(logging.LevelTrace)

	router := gin.New()
	router.Use(Recovery(logger), Logging())
	router.GET("/api/v1/sync/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))

	lines := logLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "request started", lines[0]["msg"])
	assert.Equal(t, "request completed", lines[1]["msg"])
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferLogger(slog.LevelInfo)

	router := gin.New()
	router.Use(Recovery(logger))
	router.GET("/boom", func(*gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-7")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dto.ErrorCodeInternal, resp.Error.Code)
	assert.Equal(t, "req-7", resp.TraceID)

	lines := logLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "panic recovered", lines[0]["msg"])
	assert.Equal(t, "kaboom", lines[0]["error"])
	assert.Contains(t, lines[0]["stack"], "runtime/debug.Stack")
}

func TestRecovery_AfterWrite(t *testing.T) {
	t.Parallel()

	logger, _ := newBufferLogger(slog.LevelInfo)

	router := gin.New()
	router.Use(Recovery(logger))
	router.GET("/partial", func(c *gin.Context) {
		c.String(http.StatusAccepted, "partial")
		panic("late")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/partial", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRecovery_NilLogger(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(Recovery(nil))
	router.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    gin.HandlerFunc
		wantStatus int
		wantCode   string
	}{
		{
			name:       "fast handler",
			handler:    func(c *gin.Context) { c.Status(http.StatusOK) },
			wantStatus: http.StatusOK,
		},
		{
			name: "deadline passed without response",
			handler: func(c *gin.Context) {
				<-c.Request.Context().Done()
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   dto.ErrorCodeTimeout,
		},
		{
			name: "handler answered after deadline",
			handler: func(c *gin.Context) {
				<-c.Request.Context().Done()
				c.String(http.StatusConflict, "late")
			},
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var deadline time.Time

			router := gin.New()
			router.Use(Timeout(20 * time.Millisecond))
			router.GET("/x", func(c *gin.Context) {
				deadline, _ = c.Request.Context().Deadline()
				tt.handler(c)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			assert.False(t, deadline.IsZero())
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantCode != "" {
				var resp dto.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCode, resp.Error.Code)
			}
		})
	}
}
