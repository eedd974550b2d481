package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	RejectCapacity          = "capacity"
	RejectProtocolViolation = "protocol_violation"
	RejectConnectFailure    = "connect_failure"
	RejectIO                = "io"

	ResultOK    = "ok"
	ResultError = "error"
)

var (
	registerOnce sync.Once

	sessionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fakepeer",
			Subsystem: "session",
			Name:      "accepted_total",
			Help:      "Inbound peer connections accepted.",
		},
	)
	sessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fakepeer",
			Subsystem: "session",
			Name:      "rejected_total",
			Help:      "Inbound peer connections closed before registration.",
		},
		[]string{"reason"},
	)
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fakepeer",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions not yet closed.",
		},
	)
	framesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fakepeer",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Application frames buffered into session inboxes.",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fakepeer",
			Subsystem: "responder",
			Name:      "deliveries_total",
			Help:      "Frames pushed to peers over responder channels.",
		},
		[]string{"result"},
	)
	beaconsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fakepeer",
			Subsystem: "beacon",
			Name:      "sent_total",
			Help:      "Presence datagrams emitted.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsAccepted, sessionsRejected, sessionsLive, framesReceived, deliveries, beaconsSent)
	})
}

func RecordSessionAccepted() {
	RegisterMetrics()
	sessionsAccepted.Inc()
	sessionsLive.Inc()
}

func RecordSessionClosed() {
	RegisterMetrics()
	sessionsLive.Dec()
}

func RecordSessionRejected(reason string) {
	RegisterMetrics()
	sessionsRejected.WithLabelValues(reason).Inc()
}

func RecordFrameReceived() {
	RegisterMetrics()
	framesReceived.Inc()
}

func RecordDelivery(err error) {
	RegisterMetrics()
	deliveries.WithLabelValues(resultLabel(err)).Inc()
}

func RecordBeacon(err error) {
	RegisterMetrics()
	beaconsSent.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
