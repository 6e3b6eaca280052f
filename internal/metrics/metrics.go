package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of users with a live websocket on this instance",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages persisted",
	})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_frames_total",
		Help: "Inbound websocket frames by action and outcome",
	}, []string{"action", "result"})
	WsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_total",
		Help: "Outbound frames dropped because a client fell behind",
	})
	ReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_receipts_total",
		Help: "Total number of delivery receipts created",
	})
	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_pubsub_publish_failures_total",
		Help: "Room events that could not be published to the broker",
	})
	PubsubEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_pubsub_events_total",
		Help: "Room events received from the broker by result",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	}, []string{"path"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		WsMessagesTotal,
		WsFramesTotal,
		WsDroppedTotal,
		ReceiptsTotal,
		PublishFailuresTotal,
		PubsubEventsTotal,
		HttpRequestsTotal,
		HttpRateLimitedTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware records request counts and latency per route template.
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
