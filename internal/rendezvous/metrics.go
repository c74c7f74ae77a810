package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attachTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_rendezvous_attach_total",
		Help: "Channel attach requests seen by the hub, by outcome.",
	}, []string{"result"})

	hubClientsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_hub_clients_total",
		Help: "Clients accepted by the hub, by outcome.",
	}, []string{"result"})
)
