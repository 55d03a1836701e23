package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.universe.tf/natrouter/arpcache"
	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/link"
	"go.universe.tf/natrouter/nat"
	"go.universe.tf/natrouter/route"
	"go.universe.tf/natrouter/router"
)

func run(c *cli.Context) error {
	log.WithFields(log.Fields{"version": version.Version, "revision": version.Revision}).Info("Starting")

	topo, err := config.Load(c.String("config"))
	if err != nil {
		log.Fatalf("Loading topology: %s", err)
	}
	ifs, err := iface.FromConfig(topo.Interfaces)
	if err != nil {
		log.Fatalf("Building interface table: %s", err)
	}
	routes := route.FromConfig(topo.Routes)
	for _, r := range routes.Routes() {
		log.WithFields(log.Fields{"prefix": r.Prefix, "gateway": r.Gateway, "iface": r.Interface}).Debug("Route")
	}

	var table *nat.Table
	natCfg := topo.NAT
	if natCfg == nil && c.Bool("nat") {
		d := config.DefaultNAT()
		natCfg = &d
	}
	if natCfg != nil {
		applyNATFlags(c, natCfg)
		ext, ok := ifs.ByName(natCfg.ExternalInterface)
		if !ok {
			log.Fatalf("NAT external interface %q is not configured", natCfg.ExternalInterface)
		}
		if table, err = nat.NewTable(*natCfg, ext.Addr); err != nil {
			log.Fatalf("Creating NAT table: %s", err)
		}
		log.WithFields(log.Fields{"iface": ext.Name, "addr": ext.Addr}).Info("NAT enabled")
	}

	ports, err := link.Open(ifs.All())
	if err != nil {
		log.Fatalf("Opening interfaces: %s", err)
	}
	defer ports.Close()

	var rt *router.Router
	resolver := arpcache.New(arpcache.Config{}, ifs, ports, func(q arpcache.Queued) {
		rt.HostUnreachable(q.Packet)
	})
	for _, e := range topo.StaticARP {
		resolver.Static(e.IP, e.MAC)
	}
	if c.Bool("seed-arp") {
		resolver.SeedFromHost()
	}

	rt, err = router.New(router.Config{
		Routes:            routes,
		Interfaces:        ifs,
		Resolver:          resolver,
		Link:              ports,
		NAT:               table,
		ExternalInterface: natExternal(natCfg),
		ICMPRate:          rate.Limit(c.Float64("icmp-rate")),
		ICMPBurst:         c.Int("icmp-burst"),
	})
	if err != nil {
		log.Fatalf("Creating router: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ports.Run(ctx, rt.HandleFrame) })
	g.Go(func() error { return resolver.Run(ctx) })
	if table != nil {
		reaper := nat.NewReaper(table, rt.PortUnreachable)
		g.Go(func() error { return reaper.Run(ctx) })
		prometheus.MustRegister(table.Collector())
	}
	if addr := c.String("metrics-addr"); addr != "" {
		prometheus.MustRegister(versioncollector.NewCollector("natrouter"))
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}

	log.Info("Router running")
	err = g.Wait()
	if table != nil && log.IsLevelEnabled(log.DebugLevel) {
		for _, m := range table.Mappings() {
			log.WithFields(log.Fields{
				"key":         m.Key(),
				"internal":    m.Internal,
				"pending":     m.Pending,
				"connections": len(m.Connections),
			}).Debug("Mapping at shutdown")
		}
	}
	log.Info("Exiting")
	return err
}

func natExternal(cfg *config.NATConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.ExternalInterface
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
