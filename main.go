package main

import (
	"fmt"
	"os"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "natrouter",
		Usage:   "IPv4 software router with NAPT for TCP and ICMP echo",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "logging level (debug, info, warn, error)",
				EnvVars: []string{"NATROUTER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "log in JSON instead of text",
				EnvVars: []string{"NATROUTER_LOG_JSON"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Route, translate and answer packets on raw Ethernet interfaces",
				Flags:  append(runFlags(), natFlags()...),
				Action: run,
			},
			{
				Name:   "nat",
				Usage:  "Intercept and mangle packets from NFQUEUE, acting as a NAT box",
				Flags:  append(natboxFlags(), natFlags()...),
				Action: natbox,
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.Print("natrouter"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(c *cli.Context) error {
	lvl, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if c.Bool("log-json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
