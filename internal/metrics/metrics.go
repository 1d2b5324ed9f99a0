// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sensor_polls_total",
		Help: "Sensor read attempts, by device.",
	}, []string{"device_id"})

	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_sensor_poll_errors_total",
		Help: "Failed sensor reads, by device and error class.",
	}, []string{"device_id", "class"})

	RuleFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rule_firings_total",
		Help: "Automation rule firings, by rule.",
	}, []string{"rule_id"})

	ScheduleFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_schedule_firings_total",
		Help: "Schedule firings, by schedule.",
	}, []string{"schedule_id"})

	ActuatorWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_actuator_writes_total",
		Help: "Actuator write commands, by actuator and outcome.",
	}, []string{"actuator_id", "outcome"})

	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_devices_online",
		Help: "Number of gateway devices currently online.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
