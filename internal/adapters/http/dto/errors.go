// Package dto holds the control API request and response shapes: the error
// envelope, request validation and cursor pagination.
package dto

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/quotesync/internal/app"
	"github.com/jsamuelsen/quotesync/internal/domain"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
)

// ErrorResponse is the envelope every control API error is written in.
type ErrorResponse struct {
	Error   ErrorDetail `json:"error"`
	TraceID string      `json:"traceId,omitempty"`
}

// ErrorDetail carries a machine-readable Code and, for validation failures,
// a message per offending field.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrorCodeBadRequest  = "BAD_REQUEST"
	ErrorCodeValidation  = "VALIDATION_ERROR"
	ErrorCodeParse       = "PARSE_ERROR"
	ErrorCodeNotFound    = "NOT_FOUND"
	ErrorCodeConflict    = "CONFLICT"
	ErrorCodeInternal    = "INTERNAL_ERROR"
	ErrorCodeUnavailable = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout     = "TIMEOUT"
)

var codeStatus = map[string]int{
	ErrorCodeBadRequest:  http.StatusBadRequest,
	ErrorCodeValidation:  http.StatusBadRequest,
	ErrorCodeParse:       http.StatusBadRequest,
	ErrorCodeNotFound:    http.StatusNotFound,
	ErrorCodeConflict:    http.StatusConflict,
	ErrorCodeInternal:    http.StatusInternalServerError,
	ErrorCodeUnavailable: http.StatusServiceUnavailable,
	ErrorCodeTimeout:     http.StatusGatewayTimeout,
}

// NewErrorResponse returns an envelope without details.
func NewErrorResponse(code, message string) *ErrorResponse {
	return NewErrorResponseWithDetails(code, message, nil)
}

// NewErrorResponseWithDetails returns an envelope with per-field details.
func NewErrorResponseWithDetails(code, message string, details map[string]string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Details: details}}
}

// WithTraceID sets the trace id and returns e for chaining.
func (e *ErrorResponse) WithTraceID(traceID string) *ErrorResponse {
	e.TraceID = traceID
	return e
}

// HTTPStatusFromCode returns the status for an error code; unknown codes
// are 500.
func HTTPStatusFromCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}

	return http.StatusInternalServerError
}

// MapError maps an error from the sync core to an HTTP status code and error
// response. Unknown errors are mapped to 500 with a generic message.
func MapError(err error) (int, *ErrorResponse) {
	if err == nil {
		return http.StatusOK, nil
	}

	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound, NewErrorResponse(ErrorCodeNotFound, err.Error())

	case errors.Is(err, app.ErrCycleInProgress):
		return http.StatusConflict, NewErrorResponse(ErrorCodeConflict, err.Error())

	case domain.IsValidation(err):
		resp := NewErrorResponse(ErrorCodeValidation, err.Error())

		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) && validationErr.Field != "" {
			resp.Error.Details = map[string]string{
				validationErr.Field: validationErr.Message,
			}
		}

		return http.StatusBadRequest, resp

	case domain.IsParse(err):
		return http.StatusBadRequest, NewErrorResponse(ErrorCodeParse, err.Error())

	case domain.IsNetwork(err), errors.Is(err, app.ErrSchedulerStopped):
		return http.StatusServiceUnavailable, NewErrorResponse(
			ErrorCodeUnavailable,
			"remote collection temporarily unavailable: "+err.Error(),
		)

	case domain.IsStorage(err):
		return http.StatusInternalServerError, NewErrorResponse(
			ErrorCodeInternal,
			"local storage failure",
		)

	default:
		return http.StatusInternalServerError, NewErrorResponse(
			ErrorCodeInternal,
			"an internal error occurred",
		)
	}
}

// GetTraceID returns the OpenTelemetry trace id of the request, falling back
// to a "trace_id" context value and then the X-Request-ID header.
func GetTraceID(c *gin.Context) string {
	if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}

	if v, ok := c.Get("trace_id"); ok {
		if id, ok := v.(string); ok {
			return id
		}

		return ""
	}

	return c.GetHeader("X-Request-ID")
}

// HandleError maps err and writes the error envelope. Server-side failures
// are logged with the full error.
func HandleError(c *gin.Context, err error) {
	status, resp := MapError(err)
	resp.TraceID = GetTraceID(c)

	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).ErrorContext(c.Request.Context(), "request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("trace_id", resp.TraceID))
	}

	c.JSON(status, resp)
}

// RespondWithErrorCode writes an error envelope for an adapter-level failure
// that did not come from the sync core.
func RespondWithErrorCode(c *gin.Context, code, message string) {
	c.JSON(HTTPStatusFromCode(code), NewErrorResponse(code, message).WithTraceID(GetTraceID(c)))
}

// RespondWithValidationErrors writes a 400 with field-level validation errors.
func RespondWithValidationErrors(c *gin.Context, fieldErrors map[string]string) {
	c.JSON(http.StatusBadRequest, NewErrorResponseWithDetails(
		ErrorCodeValidation,
		"request validation failed",
		fieldErrors,
	).WithTraceID(GetTraceID(c)))
}
