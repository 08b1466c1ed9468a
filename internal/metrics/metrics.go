// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/keypool-system/internal/model"
)

const namespace = "keypool"

// Результаты выдачи ключа.
const (
	AssignCreated    = "assigned"
	AssignReplayed   = "replayed"
	AssignOutOfStock = "out_of_stock"
)

// Metrics объединяет коллекторы сервиса. Нулевой указатель допустим:
// все методы тогда ничего не делают.
type Metrics struct {
	gatherer prometheus.Gatherer

	keysIngested    *prometheus.CounterVec
	keysRemoved     *prometheus.CounterVec
	assignments     *prometheus.CounterVec
	redrives        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New регистрирует коллекторы в reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		keysIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_ingested_total",
			Help:      "Keys submitted by admins, split by outcome.",
		}, []string{"tier", "result"}),
		keysRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_removed_total",
			Help:      "Keys removed from pools.",
		}, []string{"tier"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Key allocation attempts, split by outcome.",
		}, []string{"tier", "result"}),
		redrives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restock_redrives_total",
			Help:      "Out-of-stock orders re-driven after a restock.",
		}, []string{"tier", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}

	reg.MustRegister(m.keysIngested, m.keysRemoved, m.assignments, m.redrives, m.requestDuration)
	return m
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveIngest учитывает результат загрузки пачки ключей.
func (m *Metrics) ObserveIngest(tier model.Tier, added, duplicates int) {
	if m == nil {
		return
	}
	m.keysIngested.WithLabelValues(string(tier), "added").Add(float64(added))
	m.keysIngested.WithLabelValues(string(tier), "duplicate").Add(float64(duplicates))
}

// ObserveRemoval учитывает удаление ключа из пула.
func (m *Metrics) ObserveRemoval(tier model.Tier) {
	if m == nil {
		return
	}
	m.keysRemoved.WithLabelValues(string(tier)).Inc()
}

// ObserveAssign учитывает попытку выдачи ключа с результатом result.
func (m *Metrics) ObserveAssign(tier model.Tier, result string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(string(tier), result).Inc()
}

// ObserveRedrive учитывает повторную выдачу после пополнения пула.
func (m *Metrics) ObserveRedrive(tier model.Tier, result string) {
	if m == nil {
		return
	}
	m.redrives.WithLabelValues(string(tier), result).Inc()
}

// ObserveRequest записывает длительность HTTP-запроса.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
