package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
)

const (
	instrumentationName = "github.com/jsamuelsen/quotesync/internal/adapters/clients"

	// HeaderRequestID carries the inbound control API request id downstream.
	HeaderRequestID = "X-Request-ID"

	// HeaderCorrelationID carries the sync cycle id downstream.
	HeaderCorrelationID = "X-Correlation-ID"

	defaultUserAgent           = "quotesync"
	defaultTimeout             = 30 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second

	// jitterRangeMultiplier maps rand's [0,1) onto [-1,1).
	jitterRangeMultiplier = 2
)

// Config configures a Client.
type Config struct {
	// BaseURL prefixes every request path, e.g. "https://jsonplaceholder.typicode.com".
	BaseURL string

	// ServiceName labels logs, spans and metrics for this downstream.
	ServiceName string

	// UserAgent is sent on every request. Defaults to "quotesync".
	UserAgent string

	// Timeout bounds a single attempt; retries and backoff come on top.
	Timeout time.Duration

	Retry     config.RetryConfig
	Circuit   config.CircuitBreakerConfig
	Transport config.TransportConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to one downstream over HTTP. Each call passes through the
// breaker, is traced and measured, carries the caller's request and
// correlation ids, and is retried on transport errors, 429 and 5xx.
type Client struct {
	http    *http.Client
	baseURL string
	cfg     Config
	logger  *slog.Logger
	breaker *Breaker

	tracer   trace.Tracer
	duration metric.Float64Histogram
	total    metric.Int64Counter
}

// New builds a Client. Zero Timeout and Transport fields fall back to
// defaults; MaxAttempts below one means a single attempt.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	if cfg.ServiceName == "" {
		return nil, errors.New("service name is required")
	}

	c := *cfg
	c.Timeout = orDefault(c.Timeout, defaultTimeout)
	c.Retry.MaxAttempts = max(c.Retry.MaxAttempts, 1)

	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(
		slog.String("component", "clients.Client"),
		slog.String("downstream", c.ServiceName),
	)

	breaker := NewBreaker(c.Circuit)
	breaker.OnStateChange(func(from, to State) {
		logger.Warn("circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	meter := otel.Meter(instrumentationName)

	duration, err := meter.Float64Histogram("http.client.request.duration",
		metric.WithDescription("Duration of calls to the downstream, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration metric: %w", err)
	}

	total, err := meter.Int64Counter("http.client.request.total",
		metric.WithDescription("Calls to the downstream by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}

	return &Client{
		http: &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        orDefault(c.Transport.MaxIdleConns, defaultMaxIdleConns),
				MaxIdleConnsPerHost: orDefault(c.Transport.MaxIdleConnsPerHost, defaultMaxIdleConnsPerHost),
				IdleConnTimeout:     orDefault(c.Transport.IdleConnTimeout, defaultIdleConnTimeout),
			},
		},
		baseURL:  strings.TrimSuffix(c.BaseURL, "/"),
		cfg:      c,
		logger:   logger,
		breaker:  breaker,
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		total:    total,
	}, nil
}

// Get issues a GET for path.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return c.Do(ctx, req)
}

// Post issues a JSON POST for path.
func (c *Client) Post(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.Do(ctx, req)
}

// CircuitState returns the breaker's current state.
func (c *Client) CircuitState() State {
	return c.breaker.State()
}

// Do sends req with retries. A response below 500 (other than 429) is
// returned as is for the caller to interpret. Once retries run out the error
// wraps ErrMaxRetriesExceeded; cancellation of ctx is returned unwrapped.
//
// Bodies are rewound between attempts through req.GetBody, which
// http.NewRequestWithContext sets for in-memory readers. A streaming body
// without GetBody is sent once only.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).With(
		slog.String("downstream", c.cfg.ServiceName),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
	)

	if err := c.breaker.Allow(); err != nil {
		c.record(ctx, req.Method, 0, time.Since(start), "circuit_open")
		logger.Warn("request blocked by circuit breaker")

		return nil, err
	}

	c.setHeaders(ctx, req)

	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method+" "+c.cfg.ServiceName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
			attribute.String("peer.service", c.cfg.ServiceName),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, attempts, err := c.send(ctx, req, logger)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int("http.attempts", attempts))

	if err != nil {
		c.breaker.Failure()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if ctxErr := ctx.Err(); ctxErr != nil {
			c.record(ctx, req.Method, 0, elapsed, "context_canceled")
			return nil, ctxErr
		}

		c.record(ctx, req.Method, 0, elapsed, "error")
		logger.Error("request failed",
			slog.Int("attempts", attempts),
			slog.Duration("duration", elapsed),
			slog.Any("error", err),
		)

		return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	}

	c.breaker.Success()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(resp.StatusCode))
	}

	c.record(ctx, req.Method, resp.StatusCode, elapsed, strconv.Itoa(resp.StatusCode/100)+"xx")
	logger.Debug("request completed",
		slog.Int("status", resp.StatusCode),
		slog.Int("attempts", attempts),
		slog.Duration("duration", elapsed),
	)

	return resp, nil
}

// send runs the attempt loop and reports how many attempts were made.
func (c *Client) send(ctx context.Context, req *http.Request, logger *slog.Logger) (*http.Response, int, error) {
	var (
		lastErr error
		wait    time.Duration
	)

	for attempt := range c.cfg.Retry.MaxAttempts {
		if attempt > 0 {
			wait = max(wait, c.calculateBackoff(attempt))
			logger.Debug("retrying request",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", wait),
			)

			if err := c.rewind(ctx, req, wait); err != nil {
				return nil, attempt, err
			}
		}

		resp, err := c.http.Do(req.WithContext(ctx))

		switch {
		case err != nil:
			if !isRetryableError(err) {
				return nil, attempt + 1, err
			}

			logger.Debug("retryable transport error", slog.Int("attempt", attempt+1), slog.Any("error", err))
			lastErr, wait = err, 0
		case retryableStatus(resp.StatusCode):
			logger.Debug("retryable status", slog.Int("attempt", attempt+1), slog.Int("status", resp.StatusCode))
			lastErr = fmt.Errorf("server responded %d", resp.StatusCode)
			wait = c.retryAfter(resp)

			if closeErr := resp.Body.Close(); closeErr != nil {
				logger.Debug("failed to close response body", slog.Any("error", closeErr))
			}
		default:
			return resp, attempt + 1, nil
		}
	}

	return nil, c.cfg.Retry.MaxAttempts, lastErr
}

// rewind sleeps for wait and resets the body for the next attempt.
func (c *Client) rewind(ctx context.Context, req *http.Request, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}

	if req.GetBody == nil {
		return errors.New("request body cannot be replayed")
	}

	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewinding request body: %w", err)
	}

	req.Body = body

	return nil
}

// retryAfter honours a Retry-After header in seconds, capped at MaxInterval.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}

	return min(time.Duration(secs)*time.Second, c.cfg.Retry.MaxInterval)
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request) {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderCorrelationID, id)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
}

func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return c.baseURL + path
}

// calculateBackoff returns initial*multiplier^attempt capped at MaxInterval,
// spread by ±JitterFactor.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	retry := c.cfg.Retry

	backoff := min(
		float64(retry.InitialInterval)*math.Pow(retry.Multiplier, float64(attempt)),
		float64(retry.MaxInterval),
	)

	if retry.JitterFactor > 0 {
		spread := rand.Float64()*jitterRangeMultiplier - 1 //nolint:gosec // backoff spread, not security
		backoff += backoff * retry.JitterFactor * spread
	}

	return time.Duration(backoff)
}

func (c *Client) record(ctx context.Context, method string, status int, elapsed time.Duration, result string) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("peer.service", c.cfg.ServiceName),
		attribute.String("result", result),
	}

	if status > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", status))
	}

	opt := metric.WithAttributes(attrs...)
	c.duration.Record(ctx, elapsed.Seconds(), opt)
	c.total.Add(ctx, 1, opt)
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// isRetryableError reports transport failures worth another attempt:
// timeouts and connection-level errors, but never cancellation.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError

	return errors.As(err, &opErr)
}
