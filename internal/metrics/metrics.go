// Package metrics содержит Prometheus-метрики сервиса биллинга.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted — счётчик начатых сессий по виду услуги.
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultbilling_sessions_started_total",
			Help: "Total number of consultation sessions started",
		},
		[]string{"service_type"},
	)

	// SessionsEnded — счётчик завершённых сессий по причине завершения.
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultbilling_sessions_ended_total",
			Help: "Total number of consultation sessions ended",
		},
		[]string{"reason"},
	)

	// SettledCents — суммарные списания по расчётам сессий в центах.
	SettledCents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consultbilling_settled_cents_total",
			Help: "Total settled amount in cents",
		},
	)

	// WriteoffCents — суммарные недостачи, списанные в убыток, в центах.
	WriteoffCents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consultbilling_writeoff_cents_total",
			Help: "Total written-off shortfall in cents",
		},
	)

	// MeteredSessions — число сессий, обработанных последним проходом тарификации.
	MeteredSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consultbilling_metered_sessions",
			Help: "Number of sessions seen by the last metering sweep",
		},
	)

	// HTTPRequestsTotal — счётчик HTTP-запросов.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultbilling_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
