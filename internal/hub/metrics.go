package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "connections",
		Help:      "Number of open websocket connections.",
	})

	topicsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "topics",
		Help:      "Number of topics with at least one member.",
	})

	framesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "frames_in_total",
		Help:      "Frames received from websocket peers.",
	})

	framesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "frames_out_total",
		Help:      "Frames written to websocket peers.",
	})

	busDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "bus_deliveries_total",
		Help:      "Messages fanned out from the bus to topic members.",
	})

	busPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "bus_publishes_total",
		Help:      "Client pushes forwarded to the bus.",
	})
)
