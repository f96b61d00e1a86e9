package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "OpenMCP-Prover/internal/api"

type httpMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func newHTTPMetrics(meter metric.Meter) *httpMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	requests, _ := meter.Int64Counter(
		"prover.api.requests",
		metric.WithDescription("HTTP requests served by the API"),
		metric.WithUnit("{request}"),
	)
	errors, _ := meter.Int64Counter(
		"prover.api.request.errors",
		metric.WithDescription("HTTP requests answered with a 5xx status"),
		metric.WithUnit("{request}"),
	)
	duration, _ := meter.Float64Histogram(
		"prover.api.request.duration",
		metric.WithDescription("HTTP request latency, in seconds"),
		metric.WithUnit("s"),
	)
	return &httpMetrics{requests: requests, errors: errors, duration: duration}
}

// middleware 按路由模板记录请求数、错误数与耗时。
func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		ctx := c.Request.Context()
		route := attribute.String("handler", handler)
		method := attribute.String("method", c.Request.Method)
		status := c.Writer.Status()

		m.requests.Add(ctx, 1, metric.WithAttributes(route, method, attribute.String("code", strconv.Itoa(status))))
		if status >= 500 {
			m.errors.Add(ctx, 1, metric.WithAttributes(route, method))
		}
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(route, method))
	}
}
