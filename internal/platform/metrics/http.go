package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTP records request counts, latency and response size per route.
type HTTP struct {
	active   prometheus.Gauge
	duration *prometheus.HistogramVec
	size     *prometheus.HistogramVec
}

// NewHTTP builds the HTTP collectors and registers them on reg.
func NewHTTP(namespace string, reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by method, route and status",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status"}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Response body size by route",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}, []string{"route"}),
	}
	reg.MustRegister(h.active, h.duration, h.size)
	return h
}

// Middleware observes every request. Unmatched paths share the "unmatched"
// route label so scanners cannot inflate label cardinality.
func (h *HTTP) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.active.Inc()
			start := time.Now()

			err := next(c)

			h.active.Dec()
			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			h.duration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if n := c.Response().Size; n > 0 {
				h.size.WithLabelValues(route).Observe(float64(n))
			}
			return err
		}
	}
}
