package main

import (
	"github.com/urfave/cli/v2"

	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/router"
)

func natFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "external-interface",
			Usage:   "interface whose address is the NAT's public address",
			EnvVars: []string{"NATROUTER_EXTERNAL_INTERFACE"},
		},
		&cli.DurationFlag{
			Name:  "icmp-timeout",
			Value: config.DefaultICMPTimeout,
			Usage: "idle time before an ICMP echo mapping expires",
		},
		&cli.DurationFlag{
			Name:  "tcp-established-timeout",
			Value: config.DefaultTCPEstablishedTimeout,
			Usage: "idle time before an established TCP connection expires",
		},
		&cli.DurationFlag{
			Name:  "tcp-transitory-timeout",
			Value: config.DefaultTCPTransitoryTimeout,
			Usage: "idle time before a TCP connection that is not established expires",
		},
		&cli.IntFlag{
			Name:  "max-mappings",
			Value: config.DefaultMaxMappings,
			Usage: "maximum number of live NAT mappings",
		},
		&cli.BoolFlag{
			Name:  "random-port-start",
			Usage: "start external port allocation at a random point of the range",
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "config",
			Usage:    "topology file (interfaces, routes, static ARP, NAT)",
			EnvVars:  []string{"NATROUTER_CONFIG"},
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "nat",
			Usage: "enable NAT even if the topology file has no nat section",
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "address to serve Prometheus metrics on, empty to disable",
			EnvVars: []string{"NATROUTER_METRICS_ADDR"},
		},
		&cli.BoolFlag{
			Name:  "seed-arp",
			Usage: "prime the ARP cache from the host's ARP table",
		},
		&cli.Float64Flag{
			Name:  "icmp-rate",
			Value: router.DefaultICMPRate,
			Usage: "ICMP errors per second the router may originate",
		},
		&cli.IntFlag{
			Name:  "icmp-burst",
			Value: router.DefaultICMPBurst,
			Usage: "burst size for ICMP errors",
		},
	}
}

func natboxFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "lan-interface",
			Value: "eth0",
			Usage: "name of the LAN interface",
		},
		&cli.StringFlag{
			Name:  "wan-interface",
			Value: "eth1",
			Usage: "name of the WAN interface",
		},
		&cli.UintFlag{
			Name:  "queue",
			Value: 42,
			Usage: "NFQUEUE number to read packets from",
		},
	}
}

// applyNATFlags overrides cfg with the NAT flags given on the command
// line.
func applyNATFlags(c *cli.Context, cfg *config.NATConfig) {
	if c.IsSet("external-interface") {
		cfg.ExternalInterface = c.String("external-interface")
	}
	if c.IsSet("icmp-timeout") {
		cfg.ICMPTimeout = c.Duration("icmp-timeout")
	}
	if c.IsSet("tcp-established-timeout") {
		cfg.TCPEstablishedTimeout = c.Duration("tcp-established-timeout")
	}
	if c.IsSet("tcp-transitory-timeout") {
		cfg.TCPTransitoryTimeout = c.Duration("tcp-transitory-timeout")
	}
	if c.IsSet("max-mappings") {
		cfg.MaxMappings = c.Int("max-mappings")
	}
	if c.IsSet("random-port-start") {
		cfg.RandomPortStart = c.Bool("random-port-start")
	}
}
