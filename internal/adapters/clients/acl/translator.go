package acl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jsamuelsen/quotesync/internal/adapters/clients"
	"github.com/jsamuelsen/quotesync/internal/domain"
)

// BaseAdapter provides common functionality for ACL adapters.
// Embed this in collection-specific adapters.
type BaseAdapter struct {
	client      *clients.Client
	serviceName string
}

// NewBaseAdapter creates a new base adapter with the given client and service name.
func NewBaseAdapter(client *clients.Client, serviceName string) BaseAdapter {
	return BaseAdapter{
		client:      client,
		serviceName: serviceName,
	}
}

// Client returns the underlying HTTP client.
func (a *BaseAdapter) Client() *clients.Client {
	return a.client
}

// ServiceName returns the name of the remote collection.
func (a *BaseAdapter) ServiceName() string {
	return a.serviceName
}

// Get performs a GET request and returns the response body (caller must close).
// Failures are returned as *domain.NetworkError.
func (a *BaseAdapter) Get(ctx context.Context, path, operation string) (io.ReadCloser, error) {
	resp, err := a.client.Get(ctx, path)

	return a.checkResponse(resp, err, operation)
}

// Post performs a POST request and returns the response body (caller must close).
// Failures are returned as *domain.NetworkError.
func (a *BaseAdapter) Post(ctx context.Context, path string, body io.Reader, operation string) (io.ReadCloser, error) {
	resp, err := a.client.Post(ctx, path, body)

	return a.checkResponse(resp, err, operation)
}

func (a *BaseAdapter) checkResponse(resp *http.Response, err error, operation string) (io.ReadCloser, error) {
	if err != nil {
		return nil, MapHTTPError(nil, err, a.serviceName, operation)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()

		return nil, MapHTTPError(resp, nil, a.serviceName, operation)
	}

	return resp.Body, nil
}

// DecodeResponse reads and decodes a JSON response body into the target type.
// Closes the body after reading. Decode failures are *domain.ParseError,
// except a read cut short by a deadline, which is a *domain.NetworkError.
func DecodeResponse[T any](body io.ReadCloser, source string) (*T, error) {
	if body == nil {
		return nil, domain.NewParseError(source, "empty response", nil)
	}
	defer func() { _ = body.Close() }()

	var result T
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, domain.NewNetworkError(source, 0, err)
		}

		return nil, domain.NewParseError(source, "decoding response", err)
	}

	return &result, nil
}

// Translator converts one external DTO into a domain value. ok=false drops
// the item; err aborts the whole batch.
type Translator[External any, Domain any] func(ext *External) (d Domain, ok bool, err error)

// TranslateSlice applies translate to every item, keeping the ones it accepts.
func TranslateSlice[E any, D any](items []E, translate Translator[E, D]) ([]D, error) {
	result := make([]D, 0, len(items))

	for i := range items {
		translated, ok, err := translate(&items[i])
		if err != nil {
			return nil, err
		}

		if ok {
			result = append(result, translated)
		}
	}

	return result, nil
}
