// Package metrics exposes the fleetcore Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles every instrument so components share one registry.
type Metrics struct {
	registry *prometheus.Registry

	FramesDecoded   *prometheus.CounterVec
	FramesRejected  *prometheus.CounterVec
	PositionsStored prometheus.Counter
	PositionsDenied *prometheus.CounterVec
	AlertsFired     *prometheus.CounterVec
	LiveSessions    prometheus.Gauge
	HubSubscribers  prometheus.Gauge
	CommandsByState *prometheus.CounterVec
	TripsOpened     prometheus.Counter
}

// New creates the fleetcore metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FramesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_frames_decoded_total",
			Help: "Frames decoded, by protocol and frame type.",
		}, []string{"protocol", "type"}),
		FramesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_frames_rejected_total",
			Help: "Malformed or unframeable input, by protocol.",
		}, []string{"protocol"}),
		PositionsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_positions_stored_total",
			Help: "Positions persisted by the pipeline.",
		}),
		PositionsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_positions_denied_total",
			Help: "Positions dropped before persistence, by reason.",
		}, []string{"reason"}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_alerts_fired_total",
			Help: "Alerts fired, by rule kind.",
		}, []string{"kind"}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcore_live_sessions",
			Help: "Devices with a live gateway session.",
		}),
		HubSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcore_hub_subscribers",
			Help: "Connected dashboard subscribers.",
		}),
		CommandsByState: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_command_transitions_total",
			Help: "Command state transitions, by resulting state.",
		}, []string{"state"}),
		TripsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_trips_opened_total",
			Help: "Trips opened by the segmentation logic.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
