// Package metrics содержит Prometheus-метрики сервиса бонусного реестра.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bonus_ledger"

var (
	// Registry содержит метрики приложения.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	ledgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Ledger events appended, by kind.",
		},
		[]string{"kind"},
	)

	settlementSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "idempotent_skips_total",
			Help:      "Settlement steps skipped because the payout was already recorded.",
		},
		[]string{"kind"},
	)

	balanceDivergences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "balance_divergences",
			Help:      "Users whose cached balance differs from the ledger sum at the last audit.",
		},
	)

	reserveGap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reserve",
			Name:      "gap_minor_units",
			Help:      "Reserved cash minus outstanding bonus liability at the last check.",
		},
	)

	notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notifications that could not be delivered.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		ledgerEvents,
		settlementSkips,
		balanceDivergences,
		reserveGap,
		notificationFailures,
	)
}

// Handler возвращает HTTP-обработчик для выдачи метрик.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP учитывает обработанный HTTP-запрос.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordEvent учитывает записанное событие реестра.
func RecordEvent(kind string) {
	ledgerEvents.WithLabelValues(kind).Inc()
}

// RecordSkip учитывает пропущенный идемпотентный шаг расчёта.
func RecordSkip(kind string) {
	settlementSkips.WithLabelValues(kind).Inc()
}

// SetDivergences фиксирует число расхождений, найденных последней сверкой.
func SetDivergences(n int) {
	balanceDivergences.Set(float64(n))
}

// SetReserveGap фиксирует разрыв резерва.
func SetReserveGap(gap int64) {
	reserveGap.Set(float64(gap))
}

// RecordNotificationFailure учитывает недоставленное уведомление.
func RecordNotificationFailure(kind string) {
	notificationFailures.WithLabelValues(kind).Inc()
}
