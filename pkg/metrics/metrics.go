// Package metrics holds the Prometheus collectors of the sensor bridge.
// All recording methods are safe on a nil *Metrics so components can be
// used without metrics in tests and tools.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensor_bridge"

// Discard reasons for serial lines.
const (
	ReasonNoPrefix = "no_prefix"
	ReasonChecksum = "checksum"
	ReasonTooLong  = "too_long"
	ReasonEncoding = "encoding"
)

type Metrics struct {
	registry *prometheus.Registry

	linesRouted     *prometheus.CounterVec
	linesDiscarded  *prometheus.CounterVec
	inboxDropped    *prometheus.CounterVec
	payloadsIgnored *prometheus.CounterVec
	configWrites    *prometheus.CounterVec
	tankLevel       *prometheus.GaugeVec
	sensorPolls     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_routed_total",
			Help:      "Serial lines delivered to a tank channel inbox",
		}, []string{"channel"}),
		linesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_discarded_total",
			Help:      "Serial lines that could not be routed",
		}, []string{"reason"}),
		inboxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "inbox_dropped_total",
			Help:      "Routed lines dropped because the channel inbox was full",
		}, []string{"channel"}),
		payloadsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tank",
			Name:      "payloads_ignored_total",
			Help:      "Channel payloads that were neither OFF nor a level in 0..100",
		}, []string{"channel"}),
		configWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tank",
			Name:      "config_writes_total",
			Help:      "Operator configuration writes by outcome",
		}, []string{"channel", "field", "result"}),
		tankLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tank",
			Name:      "level_percent",
			Help:      "Last reported tank level, -1 while inactive",
		}, []string{"channel"}),
		sensorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "environment",
			Name:      "polls_total",
			Help:      "Environmental sensor poll cycles by outcome",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.linesRouted,
		m.linesDiscarded,
		m.inboxDropped,
		m.payloadsIgnored,
		m.configWrites,
		m.tankLevel,
		m.sensorPolls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LineRouted(channel int) {
	if m == nil {
		return
	}
	m.linesRouted.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (m *Metrics) LineDiscarded(reason string) {
	if m == nil {
		return
	}
	m.linesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) InboxDropped(channel int) {
	if m == nil {
		return
	}
	m.inboxDropped.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (m *Metrics) PayloadIgnored(channel int) {
	if m == nil {
		return
	}
	m.payloadsIgnored.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (m *Metrics) ConfigWrite(channel int, field string, accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.configWrites.WithLabelValues(strconv.Itoa(channel), field, result).Inc()
}

// TankLevel records the level of an active channel; pass -1 when the
// channel goes inactive.
func (m *Metrics) TankLevel(channel int, level float64) {
	if m == nil {
		return
	}
	m.tankLevel.WithLabelValues(strconv.Itoa(channel)).Set(level)
}

func (m *Metrics) SensorPoll(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.sensorPolls.WithLabelValues(result).Inc()
}
