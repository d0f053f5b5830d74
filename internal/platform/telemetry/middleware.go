package telemetry

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HeaderTraceID echoes the active trace id back to the caller.
const HeaderTraceID = "X-Trace-ID"

// Metrics holds the control API instruments.
type Metrics struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// NewMetrics registers the control API instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(InstrumentationName + "/api")

	var (
		m   Metrics
		err error
	)

	if m.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("Control API request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.total, err = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("Control API requests served"),
	); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Control API requests in flight"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// Middleware records request metrics and sets HeaderTraceID. Install it after
// TracingMiddleware so a span exists. Instrument errors go to otel.Handle and
// leave the middleware recording nothing.
func Middleware() gin.HandlerFunc {
	m, err := NewMetrics()
	if err != nil {
		otel.Handle(err)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		route := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		}

		if m != nil {
			m.inFlight.Add(ctx, 1, metric.WithAttributes(route...))
			defer m.inFlight.Add(ctx, -1, metric.WithAttributes(route...))
		}

		// Headers must be set before the handler writes the response.
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
			c.Header(HeaderTraceID, sc.TraceID().String())
		}

		c.Next()

		if m == nil {
			return
		}

		attrs := metric.WithAttributes(append(route, attribute.Int("http.status_code", c.Writer.Status()))...)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.total.Add(ctx, 1, attrs)
	}
}

// TracingMiddleware returns the otelgin tracing middleware.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}
