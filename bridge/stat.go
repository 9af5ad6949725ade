package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/flowbridge/hardware/fma1600"
)

const metricsNamespace = "flowbridge"

type Stat struct {
	Polls         prometheus.Counter
	PollErrors    prometheus.Counter
	Publishes     prometheus.Counter
	PublishErrors prometheus.Counter
	Tares         prometheus.Counter
	TareErrors    prometheus.Counter
	Commands      *prometheus.CounterVec
	Errors        prometheus.Counter
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter

	Pressure    prometheus.Gauge
	Temperature prometheus.Gauge
	Flow        prometheus.Gauge
}

// NewStat registers collectors in reg, nil reg is fine for tests.
func NewStat(reg prometheus.Registerer) *Stat {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help})
	}
	s := &Stat{
		Polls:         counter("polls_total", "Instrument query transactions."),
		PollErrors:    counter("poll_errors_total", "Failed instrument query transactions."),
		Publishes:     counter("publishes_total", "Bus publish attempts."),
		PublishErrors: counter("publish_errors_total", "Failed bus publishes."),
		Tares:         counter("tares_total", "Tare commands sent to instrument."),
		TareErrors:    counter("tare_errors_total", "Failed tare commands."),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Inbound bus commands by kind.",
		}, []string{"command"}),
		Errors:       counter("errors_total", "Errors logged."),
		BytesRead:    counter("instrument_read_bytes_total", "Bytes received from instrument."),
		BytesWritten: counter("instrument_written_bytes_total", "Bytes sent to instrument."),
		Pressure:     gauge("pressure_bar", "Last pressure reading."),
		Temperature:  gauge("temperature_celsius", "Last temperature reading."),
		Flow:         gauge("flow_nlpm", "Last flow reading."),
	}
	if reg != nil {
		reg.MustRegister(
			s.Polls, s.PollErrors, s.Publishes, s.PublishErrors, s.Tares, s.TareErrors,
			s.Commands, s.Errors, s.BytesRead, s.BytesWritten,
			s.Pressure, s.Temperature, s.Flow,
		)
	}
	return s
}

func (s *Stat) observe(r fma1600.Reading) {
	s.Pressure.Set(r.Pressure)
	s.Temperature.Set(r.Temperature)
	s.Flow.Set(r.Flow)
}

// OnError is log2.ErrorFunc.
func (s *Stat) OnError(error) { s.Errors.Inc() }
