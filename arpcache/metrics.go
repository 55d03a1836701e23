package arpcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "natrouter_arp_queue_drops_total",
	Help: "Packets dropped because their resolution queue was full.",
})
