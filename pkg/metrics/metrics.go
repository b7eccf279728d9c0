// Package metrics exposes the driver's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "unistim"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live phone sessions",
	})

	PacketsIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_in_total",
		Help:      "Datagrams received from phones",
	})

	PacketsOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_out_total",
		Help:      "Datagrams sent to phones",
	})

	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_dropped_total",
		Help:      "Inbound datagrams dropped by reason",
	}, []string{"reason"})

	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retransmits_total",
		Help:      "Outbound packet retransmissions",
	})

	SendQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_queue_overflows_total",
		Help:      "Sends refused because the unacked queue was full",
	})

	SessionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_timeouts_total",
		Help:      "Sessions torn down after the retransmit cap",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Call legs created by direction",
	}, []string{"direction"})
)
