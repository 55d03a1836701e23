package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/nat"
	"go.universe.tf/natrouter/packet"
)

// natbox translates packets the kernel hands over through NFQUEUE.
// The kernel keeps routing and ARP; only the NAT runs here.
func natbox(c *cli.Context) error {
	log.Info("Starting")
	lanIf, wanIf := c.String("lan-interface"), c.String("wan-interface")

	cfg := config.DefaultNAT()
	applyNATFlags(c, &cfg)
	cfg.ExternalInterface = wanIf

	lan, err := iface.Host(lanIf)
	if err != nil {
		log.Fatalf("Getting LAN address: %s", err)
	}
	wan, err := iface.Host(wanIf)
	if err != nil {
		log.Fatalf("Getting WAN address: %s", err)
	}
	ifs, err := iface.New(lan, wan)
	if err != nil {
		log.Fatalf("Building interface table: %s", err)
	}
	table, err := nat.NewTable(cfg, wan.Addr)
	if err != nil {
		log.Fatalf("Creating NAT table: %s", err)
	}
	translator := nat.NewTranslator(table)

	queueCfg := nfqueue.Config{
		NfQueue:      uint16(c.Uint("queue")),
		MaxPacketLen: 65535,
		MaxQueueLen:  255,
		Copymode:     nfqueue.NfQnlCopyPacket,
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 15 * time.Millisecond,
	}
	queue, err := nfqueue.Open(&queueCfg)
	if err != nil {
		log.Fatalf("Connecting to NFQUEUE: %s", err)
	}
	defer queue.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reaper := nat.NewReaper(table, func(syn packet.IPv4) {
		log.WithFields(log.Fields{"src": syn.Src(), "dst": syn.Dst()}).Info("Dropping unclaimed inbound SYN")
	})
	reaper.Start()
	defer reaper.Stop()

	process := func(a nfqueue.Attribute) int {
		if a.PacketID == nil || a.Payload == nil || a.InDev == nil {
			return 0
		}
		id := *a.PacketID
		p, err := packet.ParseIPv4(*a.Payload)
		if err != nil {
			// We don't know how to handle this kind of packet
			queue.SetVerdict(id, nfqueue.NfDrop)
			return 0
		}
		intf, ok := ifs.ByIndex(int(*a.InDev))
		if !ok {
			log.WithField("index", *a.InDev).Debug("Packet from unknown interface")
			queue.SetVerdict(id, nfqueue.NfDrop)
			return 0
		}

		verdict := nat.TranslatorVerdictDrop
		switch intf.Name {
		case lanIf:
			verdict, err = translator.TranslateOut(p)
		case wanIf:
			verdict, err = translator.TranslateIn(p)
		}
		if err != nil {
			log.WithError(err).WithField("iface", intf.Name).Debug("Translation failed")
		}

		switch verdict {
		case nat.TranslatorVerdictAccept, nat.TranslatorVerdictLocal:
			queue.SetVerdict(id, nfqueue.NfAccept)
		case nat.TranslatorVerdictMangle:
			queue.SetVerdictModPacket(id, nfqueue.NfAccept, p)
		default:
			queue.SetVerdict(id, nfqueue.NfDrop)
		}
		return 0
	}
	if err := queue.Register(ctx, process); err != nil {
		log.Fatalf("Couldn't register packet processor: %s", err)
	}

	log.WithFields(log.Fields{"lan": lanIf, "wan": wanIf, "addr": wan.Addr}).Info("NAT box running")
	<-ctx.Done()
	log.Info("Exiting")

	return nil
}
