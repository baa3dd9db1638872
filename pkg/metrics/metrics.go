// Package metrics 提供 Prometheus 指标：HTTP、消息收发、订单状态流转与库存调整
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/fulfillment/pkg/logger"
)

const namespace = "fulfillment"

// Metrics 指标集合。所有记录方法对 nil 接收者安全，便于测试中省略指标。
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRateLimited     *prometheus.CounterVec

	MessagesPublished *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec

	OrderTransitions *prometheus.CounterVec
	StockAdjustments *prometheus.CounterVec
	StockAlerts      *prometheus.CounterVec

	OutboxBacklog prometheus.Gauge
}

// New 创建指标实例，serviceName 作为 subsystem
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the rate limiter",
		}, []string{"rule"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "messages_published_total",
			Help:      "Messages published to the broker",
		}, []string{"exchange", "routing_key", "result"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "messages_consumed_total",
			Help:      "Messages consumed from the broker by outcome",
		}, []string{"queue", "result"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "message_handler_duration_seconds",
			Help:      "Message handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),

		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions",
		}, []string{"from", "to"}),
		StockAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stock_adjustments_total",
			Help:      "Stock adjustments by reason and outcome",
		}, []string{"reason", "result"}),
		StockAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "stock_alerts_total",
			Help:      "Stock threshold alerts emitted",
		}, []string{"kind"}),

		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: serviceName,
			Name:      "outbox_backlog",
			Help:      "Parked messages waiting for republication",
		}),
	}
}

// Register 注册所有指标，reg 为空时使用默认注册器
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRateLimited,
		m.MessagesPublished,
		m.MessagesConsumed,
		m.HandlerDuration,
		m.OrderTransitions,
		m.StockAdjustments,
		m.StockAlerts,
		m.OutboxBacklog,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordRateLimited 记录被限流拒绝的请求，rule 为命中的规则名
func (m *Metrics) RecordRateLimited(rule string) {
	if m == nil {
		return
	}
	m.HTTPRateLimited.WithLabelValues(rule).Inc()
}

// RecordPublish 记录一次发布
func (m *Metrics) RecordPublish(exchange, routingKey string, err error) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(exchange, routingKey, result(err)).Inc()
}

// RecordConsume 记录一次消费结果：ack, retry, dead_letter, duplicate
func (m *Metrics) RecordConsume(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(queue, outcome).Inc()
	m.HandlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordTransition 记录订单状态流转
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(from, to).Inc()
}

// RecordStockAdjustment 记录库存调整
func (m *Metrics) RecordStockAdjustment(reason string, err error) {
	if m == nil {
		return
	}
	m.StockAdjustments.WithLabelValues(reason, result(err)).Inc()
}

// RecordStockAlert 记录库存告警
func (m *Metrics) RecordStockAlert(kind string) {
	if m == nil {
		return
	}
	m.StockAlerts.WithLabelValues(kind).Inc()
}

// SetOutboxBacklog 更新待重发消息数
func (m *Metrics) SetOutboxBacklog(n int64) {
	if m == nil {
		return
	}
	m.OutboxBacklog.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// StartHTTPServer 启动独立的 Prometheus HTTP 服务，返回的 server 由调用方负责关闭
func StartHTTPServer(port int, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info(context.Background(), "starting metrics server", "addr", srv.Addr, "path", path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics server failed", "error", err)
		}
	}()
	return srv
}
