package channel

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	handshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seclink",
		Subsystem: "channel",
		Name:      "handshakes_total",
		Help:      "Handshake attempts by role and result.",
	}, []string{"role", "result"})

	openChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seclink",
		Subsystem: "channel",
		Name:      "open_channels",
		Help:      "Currently established secure channels.",
	})

	rekeysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seclink",
		Subsystem: "channel",
		Name:      "rekeys_total",
		Help:      "Key ratchet operations by direction of initiation.",
	}, []string{"kind"})

	decryptFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seclink",
		Subsystem: "channel",
		Name:      "decrypt_failures_total",
		Help:      "Frames rejected before delivery, by cause.",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(handshakesTotal, openChannels, rekeysTotal, decryptFailuresTotal)
}

func metricHandshake(role string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrHandshakeTransport):
		result = "transport_error"
	default:
		result = "verify_failed"
	}
	handshakesTotal.WithLabelValues(role, result).Inc()
}

func metricChannelOpened() { openChannels.Inc() }
func metricChannelClosed() { openChannels.Dec() }

func metricRekey(kind string) { rekeysTotal.WithLabelValues(kind).Inc() }

func metricDecryptFailure(cause string) { decryptFailuresTotal.WithLabelValues(cause).Inc() }
