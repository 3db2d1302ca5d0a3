package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	messages        *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// newMetrics builds a private registry so several hubs can coexist in one
// process.
func newMetrics(h *hub) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dm_messages_total",
			Help: "Private messages handled, by result.",
		}, []string{"result"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dm_persist_failures_total",
			Help: "Messages that could not be persisted.",
		}),
	}
	connections := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dm_connections",
		Help: "Currently connected clients.",
	}, func() float64 { return float64(h.clientCount()) })
	rooms := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dm_rooms",
		Help: "Rooms with at least one joined client.",
	}, func() float64 { return float64(h.roomCount()) })

	m.registry.MustRegister(m.messages, m.persistFailures, connections, rooms)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
