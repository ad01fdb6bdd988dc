package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"panelfan/internal/fan"
)

// Metrics exposes controller activity to Prometheus. A nil *Metrics is a
// valid no-op, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	opsStarted   *prometheus.CounterVec
	opsCompleted *prometheus.CounterVec
	pulses       *prometheus.CounterVec
	intents      *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	fanSpeed     prometheus.Gauge
	fanPowered   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelfan_operations_started_total",
			Help: "Panel operations started, by kind.",
		}, []string{"kind"}),
		opsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelfan_operations_completed_total",
			Help: "Panel operations finished, by kind and result.",
		}, []string{"kind", "result"}),
		pulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelfan_pulses_total",
			Help: "Button presses issued, by output.",
		}, []string{"output"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "panelfan_intents_total",
			Help: "Intents received, by source.",
		}, []string{"source"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "panelfan_queue_depth",
			Help: "Operations waiting to start.",
		}),
		fanSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "panelfan_fan_speed",
			Help: "Published fan speed (0-3).",
		}),
		fanPowered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "panelfan_fan_powered",
			Help: "Published power state (1 on, 0 off).",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.opsStarted,
		m.opsCompleted,
		m.pulses,
		m.intents,
		m.queueDepth,
		m.fanSpeed,
		m.fanPowered,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe records one controller event.
func (m *Metrics) Observe(ev fan.Event) {
	if m == nil {
		return
	}
	switch e := ev.(type) {
	case fan.OperationStarted:
		m.opsStarted.WithLabelValues(e.Op.Kind.String()).Inc()
	case fan.PulseIssued:
		m.pulses.WithLabelValues(string(e.Output)).Inc()
	case fan.OperationCompleted:
		m.opsCompleted.WithLabelValues(e.Op.Kind.String(), e.Result.String()).Inc()
	}
}

func (m *Metrics) Intent(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.intents.WithLabelValues(source).Inc()
}

func (m *Metrics) SetState(s fan.State) {
	if m == nil {
		return
	}
	m.fanSpeed.Set(float64(s.Speed))
	if s.Powered {
		m.fanPowered.Set(1)
	} else {
		m.fanPowered.Set(0)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
