package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_ws_events_published_total",
		Help: "Total number of real-time events published, by event type",
	}, []string{"event"})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_messages_sent_total",
		Help: "Total number of chat messages persisted",
	})
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_rate_limit_rejections_total",
		Help: "Send actions rejected by the rate limiter, by reason",
	}, []string{"reason"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, WsEventsPublished, MessagesSentTotal, RateLimitRejections, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware records request counts and latency for Prometheus.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
