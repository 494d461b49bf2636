// Package metrics exposes Prometheus collectors for the attendance server.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"classattend/internal/attendance"
)

// Metrics groups the server's collectors.
type Metrics struct {
	DocumentWrites *prometheus.CounterVec
	Marks          *prometheus.CounterVec
	Sessions       prometheus.GaugeFunc
	Streams        prometheus.Gauge
}

// New creates and registers the collectors. sessions is polled on scrape.
func New(reg prometheus.Registerer, sessions func() int) *Metrics {
	m := &Metrics{
		DocumentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "document_writes_total",
			Help:      "Whole-document writes by result.",
		}, []string{"result"}),
		Marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classattend",
			Name:      "marks_total",
			Help:      "Period mark actions by resulting cell state.",
		}, []string{"state"}),
		Sessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "classattend",
			Name:      "sessions_active",
			Help:      "Users with an open document session.",
		}, func() float64 {
			if sessions == nil {
				return 0
			}
			return float64(sessions())
		}),
		Streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classattend",
			Name:      "streams_open",
			Help:      "Open document event streams.",
		}),
	}
	reg.MustRegister(m.DocumentWrites, m.Marks, m.Sessions, m.Streams)
	return m
}

// ObserveWrite is an attendance.WriteObserver.
func (m *Metrics) ObserveWrite(_ string, err error) {
	switch {
	case err == nil:
		m.DocumentWrites.WithLabelValues("ok").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		m.DocumentWrites.WithLabelValues("timeout").Inc()
	default:
		m.DocumentWrites.WithLabelValues("error").Inc()
	}
}

// ObserveMark counts one mark action.
func (m *Metrics) ObserveMark(state attendance.CellState) {
	m.Marks.WithLabelValues(string(state)).Inc()
}
