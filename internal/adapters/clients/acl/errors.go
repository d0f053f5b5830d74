package acl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jsamuelsen/quotesync/internal/adapters/clients"
	"github.com/jsamuelsen/quotesync/internal/domain"
)

// maxErrorBody bounds how much of an error body is read for context.
const maxErrorBody = 4 << 10

var statusReasons = map[int]string{
	http.StatusBadRequest:          "request rejected",
	http.StatusUnprocessableEntity: "request rejected",
	http.StatusUnauthorized:        "access denied",
	http.StatusForbidden:           "access denied",
	http.StatusNotFound:            "collection endpoint not found",
	http.StatusTooManyRequests:     "rate limit exceeded",
	http.StatusServiceUnavailable:  "service temporarily unavailable",
}

// ErrorMessage pulls a reason out of a remote error body. It understands
// {"message": "..."}, {"error": "..."} and {"error": {"message": "..."}},
// and returns "" for anything else.
func ErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}

	if err := json.NewDecoder(io.LimitReader(body, maxErrorBody)).Decode(&payload); err != nil {
		return ""
	}

	if msg := strings.TrimSpace(payload.Message); msg != "" {
		return msg
	}

	var flat string
	if json.Unmarshal(payload.Error, &flat) == nil {
		return strings.TrimSpace(flat)
	}

	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(payload.Error, &nested) == nil {
		return strings.TrimSpace(nested.Message)
	}

	return ""
}

// MapHTTPError turns a failed remote call into a *domain.NetworkError, or
// returns nil for a 2xx response. The sync engine treats every such failure
// as transient: the record stays queued and the next cycle retries it.
// resp is nil when clientErr is a transport failure.
func MapHTTPError(resp *http.Response, clientErr error, serviceName, operation string) error {
	op := serviceName + " " + operation

	switch {
	case errors.Is(clientErr, clients.ErrCircuitOpen):
		return domain.NewNetworkError(op, 0, fmt.Errorf("skipped, remote marked unhealthy: %w", clientErr))
	case clientErr != nil:
		return domain.NewNetworkError(op, 0, clientErr)
	case resp == nil:
		return domain.NewNetworkError(op, 0, errors.New("no response received"))
	case resp.StatusCode/100 == 2:
		return nil
	}

	reason := ErrorMessage(resp.Body)
	if reason == "" {
		reason = statusReasons[resp.StatusCode]
	}

	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	return domain.NewNetworkError(op, resp.StatusCode, errors.New(reason))
}
