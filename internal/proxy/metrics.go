package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_sessions_total",
		Help: "SOCKS5 sessions by outcome.",
	}, []string{"result"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_sessions_active",
		Help: "SOCKS5 sessions currently running.",
	})

	relayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_relay_bytes_total",
		Help: "Bytes relayed, by direction relative to the client.",
	}, []string{"direction"})
)
