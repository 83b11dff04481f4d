// Package metrics содержит счётчики Prometheus сервиса диспетчерской.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics содержит счётчики сервиса. Нулевой указатель допустим: методы ничего не делают.
type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	distributions prometheus.Counter
	distributed   prometheus.Counter
	slotConflicts prometheus.Counter
	tierChanges   *prometheus.CounterVec
}

// New регистрирует счётчики в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_order_transitions_total",
			Help: "Order state transitions by event.",
		}, []string{"event"}),
		distributions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_distributions_total",
			Help: "Completed profit distributions.",
		}),
		distributed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_distributed_amount_total",
			Help: "Net profit distributed across master, curator and treasury.",
		}),
		slotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_slot_conflicts_total",
			Help: "Slot assignments refused because the slot was occupied.",
		}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tier_changes_total",
			Help: "Automatic and manual visibility tier changes by new tier.",
		}, []string{"tier"}),
	}
	reg.MustRegister(
		m.transitions, m.distributions, m.distributed, m.slotConflicts, m.tierChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Transition учитывает переход заказа.
func (m *Metrics) Transition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

// Distribution учитывает распределение прибыли.
func (m *Metrics) Distribution(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.distributions.Inc()
	m.distributed.Add(amount.InexactFloat64())
}

// SlotConflict учитывает отказ из-за занятого слота.
func (m *Metrics) SlotConflict() {
	if m == nil {
		return
	}
	m.slotConflicts.Inc()
}

// TierChange учитывает смену уровня видимости.
func (m *Metrics) TierChange(tier string) {
	if m == nil {
		return
	}
	m.tierChanges.WithLabelValues(tier).Inc()
}

// Registry возвращает реестр, например для тестов.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
