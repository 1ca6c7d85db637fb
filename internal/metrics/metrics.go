// Package metrics exports mount protocol and pointing metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/espmount/coord"
	"github.com/w1xm/espmount/espmount"
)

const namespace = "espmount"

// Collector bundles the mount metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	TrackPoints prometheus.Counter
	Status      prometheus.Gauge
	Position    *prometheus.GaugeVec
}

// NewCollector registers the mount metrics with reg, or with the default
// registry when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{
		gatherer: gatherer,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Mount protocol requests by command and result.",
		}, []string{"command", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Mount protocol round trip time.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"command"}),
		TrackPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_points_total",
			Help:      "Track point requests answered by the mount.",
		}),
		Status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Last polled mount status (0 stopped, 1 goto, 2 tracking, 3 braking).",
		}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_degrees",
			Help:      "Last polled mount pointing in the horizontal frame.",
		}, []string{"axis"}),
	}
	for _, col := range []prometheus.Collector{c.Requests, c.Latency, c.TrackPoints, c.Status, c.Position} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Result classifies a protocol error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, espmount.ErrTimeout):
		return "timeout"
	case errors.Is(err, espmount.ErrMismatch):
		return "mismatch"
	case errors.Is(err, espmount.ErrDecode):
		return "decode"
	case errors.Is(err, espmount.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// Observe records one request. It has the signature of espmount.ObserveFunc.
func (c *Collector) Observe(cmd string, elapsed time.Duration, err error) {
	c.Requests.WithLabelValues(cmd, Result(err)).Inc()
	c.Latency.WithLabelValues(cmd).Observe(elapsed.Seconds())
	if cmd == espmount.CmdTrackPointAdd && err == nil {
		c.TrackPoints.Inc()
	}
}

func (c *Collector) SetStatus(s espmount.Status) {
	c.Status.Set(float64(s))
}

func (c *Collector) SetPosition(d coord.Direction) {
	c.Position.WithLabelValues("az").Set(d.Az())
	c.Position.WithLabelValues("alt").Set(d.Alt())
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
