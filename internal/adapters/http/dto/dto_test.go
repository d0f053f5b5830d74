package dto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen/quotesync/internal/app"
	"github.com/jsamuelsen/quotesync/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(t *testing.T, method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	return c, w
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponseWithDetails(ErrorCodeValidation, "bad", map[string]string{"text": "required"})

	assert.Same(t, resp, resp.WithTraceID("trace-1"))

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"VALIDATION_ERROR","message":"bad","details":{"text":"required"}},"traceId":"trace-1"}`, string(b))

	b, err = json.Marshal(NewErrorResponse(ErrorCodeNotFound, "gone"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"NOT_FOUND","message":"gone"}}`, string(b))
}

func TestHTTPStatusFromCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeNotFound, http.StatusNotFound},
		{ErrorCodeConflict, http.StatusConflict},
		{ErrorCodeValidation, http.StatusBadRequest},
		{ErrorCodeBadRequest, http.StatusBadRequest},
		{ErrorCodeParse, http.StatusBadRequest},
		{ErrorCodeUnavailable, http.StatusServiceUnavailable},
		{ErrorCodeTimeout, http.StatusGatewayTimeout},
		{ErrorCodeInternal, http.StatusInternalServerError},
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromCode(tt.code))
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:       "not found",
			err:        domain.NewNotFoundError("quote", "loc-1"),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrorCodeNotFound,
		},
		{
			name:       "cycle in progress",
			err:        app.ErrCycleInProgress,
			wantStatus: http.StatusConflict,
			wantCode:   ErrorCodeConflict,
		},
		{
			name:       "validation",
			err:        domain.NewValidationError("text", "must not be empty"),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeValidation,
		},
		{
			name:       "parse",
			err:        domain.NewParseError("import", "item 2", nil),
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeParse,
		},
		{
			name:       "network",
			err:        domain.NewNetworkError("pull", 503, nil),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUnavailable,
		},
		{
			name:       "scheduler stopped",
			err:        fmt.Errorf("trigger: %w", app.ErrSchedulerStopped),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrorCodeUnavailable,
		},
		{
			name:        "storage hides details",
			err:         domain.NewStorageError("write", "quotes", errors.New("disk full at /secret/path")),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    ErrorCodeInternal,
			wantMessage: "local storage failure",
		},
		{
			name:        "unknown",
			err:         errors.New("boom"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    ErrorCodeInternal,
			wantMessage: "an internal error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := MapError(tt.err)

			assert.Equal(t, tt.wantStatus, status)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantCode, resp.Error.Code)

			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, resp.Error.Message)
			}
		})
	}
}

func TestMapError_Nil(t *testing.T) {
	status, resp := MapError(nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp)
}

func TestMapError_ValidationDetails(t *testing.T) {
	_, resp := MapError(domain.NewValidationError("category", "must not be empty"))

	assert.Equal(t, map[string]string{"category": "must not be empty"}, resp.Error.Details)
}

func TestGetTraceID(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*gin.Context)
		want  string
	}{
		{name: "context value", setup: func(c *gin.Context) { c.Set("trace_id", "ctx-1") }, want: "ctx-1"},
		{name: "request id header", setup: func(c *gin.Context) { c.Request.Header.Set("X-Request-ID", "hdr-1") }, want: "hdr-1"},
		{
			name: "context value wins",
			setup: func(c *gin.Context) {
				c.Set("trace_id", "ctx-1")
				c.Request.Header.Set("X-Request-ID", "hdr-1")
			},
			want: "ctx-1",
		},
		{name: "wrong type", setup: func(c *gin.Context) { c.Set("trace_id", 42) }, want: ""},
		{name: "none", setup: func(*gin.Context) {}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(t, http.MethodGet, "/", "")
			tt.setup(c)

			assert.Equal(t, tt.want, GetTraceID(c))
		})
	}
}

func TestHandleError(t *testing.T) {
	c, w := newContext(t, http.MethodPost, "/api/v1/sync", "")
	c.Set("trace_id", "trace-9")

	HandleError(c, app.ErrCycleInProgress)

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeConflict, resp.Error.Code)
	assert.Equal(t, "trace-9", resp.TraceID)
}

func TestRespondWithErrorCode(t *testing.T) {
	c, w := newContext(t, http.MethodGet, "/", "")

	RespondWithErrorCode(c, ErrorCodeBadRequest, "invalid cursor")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid cursor")
}

type quoteBody struct {
	Text     string `json:"text"     validate:"required,notempty"`
	Category string `json:"category" validate:"required,min=2,max=20"`
	Limit    int    `json:"limit"    validate:"omitempty,gte=1,lte=100"`
}

func TestBindAndValidate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    error
		wantFields map[string]string
	}{
		{name: "valid", body: `{"text":"A","category":"Life"}`},
		{name: "malformed", body: `{`, wantErr: ErrBinding},
		{
			name:       "blank text",
			body:       `{"text":"   ","category":"Life"}`,
			wantErr:    ErrValidation,
			wantFields: map[string]string{"text": "must not be empty"},
		},
		{
			name:    "missing and short",
			body:    `{"category":"L","limit":500}`,
			wantErr: ErrValidation,
			wantFields: map[string]string{
				"text":     "this field is required",
				"category": "must be at least 2 characters",
				"limit":    "must be less than or equal to 100",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(t, http.MethodPost, "/", tt.body)

			var v quoteBody

			err := BindAndValidate(c, &v)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)

			if tt.wantFields != nil {
				assert.True(t, IsValidationError(err))
				assert.Equal(t, tt.wantFields, ValidationErrors(err))
			}
		})
	}
}

func TestBindQueryAndValidate(t *testing.T) {
	c, _ := newContext(t, http.MethodGet, "/?limit=0&cursor=abc", "")

	var req PaginationRequest
	require.NoError(t, BindQueryAndValidate(c, &req))
	assert.Equal(t, DefaultLimit, req.GetLimit())

	c, _ = newContext(t, http.MethodGet, "/?limit=101", "")
	assert.ErrorIs(t, BindQueryAndValidate(c, &req), ErrValidation)

	c, _ = newContext(t, http.MethodGet, "/?limit=many", "")
	assert.ErrorIs(t, BindQueryAndValidate(c, &req), ErrBinding)
}

func TestValidate_NotEmpty(t *testing.T) {
	type body struct {
		Category string `json:"category" validate:"notempty"`
	}

	require.NoError(t, Validate(body{Category: "Life"}))

	err := Validate(body{Category: " \t "})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, map[string]string{"category": "must not be empty"}, ValidationErrors(err))
}

func TestPaginationRequest_GetLimit(t *testing.T) {
	for limit, want := range map[int]int{0: DefaultLimit, -3: DefaultLimit, 7: 7, 250: MaxLimit} {
		req := PaginationRequest{Limit: limit}
		assert.Equal(t, want, req.GetLimit(), "limit %d", limit)
	}
}

func TestCursor(t *testing.T) {
	cursor := Cursor{After: "srv-7", Category: "Life"}

	encoded := EncodeCursor(cursor)
	require.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "=", "tokens are unpadded")

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	req := PaginationRequest{Cursor: encoded}
	decoded, err = req.DecodeCursor()
	require.NoError(t, err)
	assert.Equal(t, "srv-7", decoded.After)
}

func TestDecodeCursor_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrNoCursor},
		{"not base64", "!!!", ErrInvalidCursor},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("srv-7")), ErrInvalidCursor},
		{"no position", EncodeCursor(Cursor{Category: "Life"}), ErrInvalidCursor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewPaginatedResponse(t *testing.T) {
	next := func(last string) Cursor { return Cursor{After: last} }

	page := NewPaginatedResponse([]string{"a", "b", "c"}, 2, next)

	assert.Equal(t, []string{"a", "b"}, page.Items)
	assert.True(t, page.HasMore)

	cursor, err := DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", cursor.After)

	last := NewPaginatedResponse([]string{"c"}, 2, next)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)

	empty := NewPaginatedResponse[string](nil, 2, next)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
}
