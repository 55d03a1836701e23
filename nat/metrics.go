package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natrouter_nat_evictions_total",
		Help: "Mappings and connections removed by the reaper, by reason.",
	}, []string{"reason"})

	translations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "natrouter_nat_translations_total",
		Help: "Packets rewritten by the NAT, by direction and protocol.",
	}, []string{"direction", "proto"})

	mappingsDesc = prometheus.NewDesc(
		"natrouter_nat_mappings",
		"Live NAT mappings by protocol and pending state.",
		[]string{"proto", "pending"}, nil)
	connectionsDesc = prometheus.NewDesc(
		"natrouter_nat_connections",
		"Tracked TCP connections by state.",
		[]string{"state"}, nil)
)

type tableCollector struct {
	t *Table
}

// Collector returns a prometheus.Collector exporting the size of t.
func (t *Table) Collector() prometheus.Collector {
	return tableCollector{t}
}

func (c tableCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mappingsDesc
	ch <- connectionsDesc
}

func (c tableCollector) Collect(ch chan<- prometheus.Metric) {
	type mkey struct {
		proto   Protocol
		pending bool
	}
	mappings := map[mkey]int{}
	conns := map[ConnState]int{}

	c.t.mu.Lock()
	for _, m := range c.t.byExternal {
		mappings[mkey{m.proto, m.pending}]++
		for _, cn := range m.conns {
			conns[cn.state]++
		}
	}
	c.t.mu.Unlock()

	for k, n := range mappings {
		pending := "false"
		if k.pending {
			pending = "true"
		}
		ch <- prometheus.MustNewConstMetric(mappingsDesc, prometheus.GaugeValue, float64(n), k.proto.String(), pending)
	}
	for s, n := range conns {
		ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(n), s.String())
	}
}
