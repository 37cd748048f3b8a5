package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service-level Prometheus collectors. One instance is
// created at startup and shared by the HTTP handlers and the session
// layer's hooks.
type Metrics struct {
	CommandsTotal     *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	SearchesTotal     *prometheus.CounterVec
	HabrSearchesTotal *prometheus.CounterVec
	TelegramTotal     *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	WSMessages     *prometheus.CounterVec

	SystemHealthy   prometheus.Gauge
	DatabaseHealthy prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_commands_total",
			Help: "Commands processed through the pipeline, by intent and status.",
		}, []string{"intent", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistantproxy_command_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"intent"}),
		SearchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_searches_total",
			Help: "Web searches, by category and status.",
		}, []string{"category", "status"}),
		HabrSearchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_habr_searches_total",
			Help: "Habr article searches, by status.",
		}, []string{"status"}),
		TelegramTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_telegram_messages_total",
			Help: "Telegram messages sent, by status.",
		}, []string{"status"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_rate_limited_total",
			Help: "Requests rejected by a rate limiter, by limiter name.",
		}, []string{"name"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "assistantproxy_active_sessions",
			Help: "Live streaming sessions.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistantproxy_websocket_messages_total",
			Help: "Streaming messages, by direction and type.",
		}, []string{"direction", "type"}),
		SystemHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "assistantproxy_system_healthy",
			Help: "1 when every health check passes.",
		}),
		DatabaseHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "assistantproxy_database_healthy",
			Help: "1 when the relational store answers a ping.",
		}),
	}
}
