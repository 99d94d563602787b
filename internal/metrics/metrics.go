package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal *prometheus.CounterVec
	PlayersOnline    prometheus.Gauge
	PacketsReceived  *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	KicksTotal       *prometheus.CounterVec
	HeartbeatsTotal  *prometheus.CounterVec
}

// New builds the server metrics on a private registry so tests can create
// as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oxine_connections_total",
				Help: "Accepted connections by transport",
			},
			[]string{"transport"},
		),
		PlayersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oxine_players_online",
			Help: "Players currently identified",
		}),
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oxine_packets_received_total",
				Help: "Client packets received by type",
			},
			[]string{"type"},
		),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxine_received_bytes_total",
			Help: "Bytes of client packets received",
		}),
		KicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oxine_kicks_total",
				Help: "Connections closed by the server by reason",
			},
			[]string{"reason"},
		),
		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oxine_heartbeats_total",
				Help: "Heartbeat attempts by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.PlayersOnline,
		m.PacketsReceived,
		m.BytesReceived,
		m.KicksTotal,
		m.HeartbeatsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
