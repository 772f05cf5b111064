package broker

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics
var (
	metricConnections = prom.NewGauge(prom.GaugeOpts{
		Name: "arunacore_connections",
		Help: "Number of registered connection records.",
	})
	metricSessions = prom.NewGauge(prom.GaugeOpts{
		Name: "arunacore_sessions",
		Help: "Number of upgraded transports, registered or not.",
	})
	metricUpgrades = prom.NewCounterVec(prom.CounterOpts{
		Name: "arunacore_upgrades_total",
		Help: "Upgrade attempts by HTTP status returned.",
	}, []string{"status"})
	metricRegistrations = prom.NewCounterVec(prom.CounterOpts{
		Name: "arunacore_registrations_total",
		Help: "Register envelopes by outcome code.",
	}, []string{"code"})
	metricMessages = prom.NewCounterVec(prom.CounterOpts{
		Name: "arunacore_messages_total",
		Help: "Inbound envelopes by routing result.",
	}, []string{"result"})
	metricEvictions = prom.NewCounterVec(prom.CounterOpts{
		Name: "arunacore_evictions_total",
		Help: "Connection records removed from the registry, by reason.",
	}, []string{"reason"})
	metricPingSeconds = prom.NewHistogram(prom.HistogramOpts{
		Name:    "arunacore_ping_seconds",
		Help:    "Ping round trip of answered liveness checks.",
		Buckets: prom.ExponentialBuckets(0.001, 4, 8),
	})
	metricDecodeErrors = prom.NewCounter(prom.CounterOpts{
		Name: "arunacore_decode_errors_total",
		Help: "Frames dropped because they did not decode to an envelope.",
	})
)

func init() {
	prom.MustRegister(
		metricConnections,
		metricSessions,
		metricUpgrades,
		metricRegistrations,
		metricMessages,
		metricEvictions,
		metricPingSeconds,
		metricDecodeErrors,
	)
}
