package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	verdictForwarded  = "forwarded"
	verdictQueued     = "queued"
	verdictLocal      = "local"
	verdictHeld       = "held"
	verdictRejected   = "rejected"
	verdictExpired    = "ttl_expired"
	verdictNoRoute    = "no_route"
	verdictDropped    = "dropped"
	verdictSendFailed = "send_failed"
)

var (
	packets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natrouter_packets_total",
		Help: "Packets handled by the forwarding plane, by outcome.",
	}, []string{"verdict"})

	icmpSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natrouter_icmp_sent_total",
		Help: "ICMP messages originated by the router.",
	}, []string{"type", "code"})

	icmpLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "natrouter_icmp_rate_limited_total",
		Help: "ICMP errors suppressed by the rate limiter.",
	})
)
