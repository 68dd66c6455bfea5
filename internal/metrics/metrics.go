package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dujiao-next/transaction/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transaction"

// Metrics 交易核心指标
type Metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.SummaryVec
	requestTotal    *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	gatewayTotal    *prometheus.CounterVec
	eventTotal      *prometheus.CounterVec
	notifyTotal     *prometheus.CounterVec
}

// New 创建指标集合，使用独立注册表
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		requestDuration: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.99: 0.001,
			},
		}, []string{"method", "path", "status_code"}),
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		gatewayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"channel", "op"}),
		gatewayTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway calls by result",
		}, []string{"channel", "op", "result"}),
		eventTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Published domain events",
		}, []string{"type", "channel"}),
		notifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Gateway notifications by outcome",
		}, []string{"channel", "kind", "outcome"}),
	}
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler /metrics 输出
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware 记录 HTTP 请求耗时与次数
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		m.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// ObserveEvent 事件总线订阅回调
func (m *Metrics) ObserveEvent(_ context.Context, event service.Event) {
	if m == nil {
		return
	}
	m.eventTotal.WithLabelValues(event.Type, event.Channel).Inc()
}

// ObserveNotify 记录通知处理结果
func (m *Metrics) ObserveNotify(channel, kind, outcome string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(channel, kind, outcome).Inc()
}

func (m *Metrics) observeGateway(channel, op string, start time.Time, result string) {
	m.gatewayDuration.WithLabelValues(channel, op).Observe(time.Since(start).Seconds())
	m.gatewayTotal.WithLabelValues(channel, op, result).Inc()
}
