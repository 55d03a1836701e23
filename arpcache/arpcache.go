// Package arpcache resolves next-hop IPv4 addresses to Ethernet
// addresses. Packets for unresolved destinations wait in a
// per-destination queue while ARP requests are retried; once an
// answer arrives the queue is framed and transmitted.
package arpcache

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/packet"
)

const (
	DefaultEntryTTL      = 15 * time.Second
	DefaultRetryInterval = time.Second
	DefaultMaxRequests   = 5
	DefaultMaxQueued     = 64
)

// Sender transmits a complete Ethernet frame on the named interface.
type Sender interface {
	Send(frame []byte, ifName string) error
}

// Interfaces is the subset of the interface table the cache needs.
type Interfaces interface {
	ByName(name string) (iface.Interface, bool)
}

// Queued is a packet that waited for resolution and was given up on.
type Queued struct {
	Packet packet.IPv4
	// Iface is the interface the packet would have left through.
	Iface string
}

// Config tunes resolution. Zero fields take the defaults.
type Config struct {
	EntryTTL      time.Duration
	RetryInterval time.Duration
	MaxRequests   int
	MaxQueued     int
}

func (c *Config) setDefaults() {
	if c.EntryTTL == 0 {
		c.EntryTTL = DefaultEntryTTL
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.MaxQueued == 0 {
		c.MaxQueued = DefaultMaxQueued
	}
}

type request struct {
	ip     netip.Addr
	iface  string
	sent   time.Time
	tries  int
	queued []packet.IPv4
}

// Cache is the resolution cache. It is safe for concurrent use.
type Cache struct {
	// Now returns the current time for retry scheduling.
	Now func() time.Time

	cfg     Config
	ifaces  Interfaces
	send    Sender
	giveUp  func(Queued)
	entries *ttlcache.Cache[netip.Addr, net.HardwareAddr]

	mu       sync.Mutex
	requests map[netip.Addr]*request
}

// New returns an empty cache. giveUp, if non-nil, is called for every
// packet dropped because its next hop never answered.
func New(cfg Config, ifaces Interfaces, send Sender, giveUp func(Queued)) *Cache {
	cfg.setDefaults()
	return &Cache{
		Now:    time.Now,
		cfg:    cfg,
		ifaces: ifaces,
		send:   send,
		giveUp: giveUp,
		entries: ttlcache.New[netip.Addr, net.HardwareAddr](
			ttlcache.WithTTL[netip.Addr, net.HardwareAddr](cfg.EntryTTL),
			ttlcache.WithDisableTouchOnHit[netip.Addr, net.HardwareAddr](),
		),
		requests: map[netip.Addr]*request{},
	}
}

// Lookup returns the Ethernet address of ip if it is known and has
// not expired.
func (c *Cache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	item := c.entries.Get(ip)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Static records a permanent entry.
func (c *Cache) Static(ip netip.Addr, mac net.HardwareAddr) {
	c.entries.Set(ip, mac, ttlcache.NoTTL)
	c.flush(ip, mac)
}

// Insert records that ip is at mac and transmits every packet queued
// for ip, framed from the interface it was queued on.
func (c *Cache) Insert(ip netip.Addr, mac net.HardwareAddr) {
	c.entries.Set(ip, mac, ttlcache.DefaultTTL)
	c.flush(ip, mac)
}

func (c *Cache) flush(ip netip.Addr, mac net.HardwareAddr) {
	c.mu.Lock()
	req := c.requests[ip]
	delete(c.requests, ip)
	c.mu.Unlock()
	if req == nil {
		return
	}

	l := log.WithFields(log.Fields{"ip": ip, "mac": mac, "iface": req.iface})
	l.WithField("queued", len(req.queued)).Info("Resolved next hop")
	ifc, ok := c.ifaces.ByName(req.iface)
	if !ok {
		l.Error("Queued packets for unknown interface")
		return
	}
	for _, p := range req.queued {
		frame := packet.Frame(mac, ifc.MAC, packet.EtherTypeIPv4, p)
		if err := c.send.Send(frame, ifc.Name); err != nil {
			l.WithError(err).Warn("Sending queued packet")
		}
	}
}

// Enqueue holds p until dst resolves on ifName, sending an ARP request
// if none is outstanding. p must already be in its final form; only
// the Ethernet header is added when it is flushed.
func (c *Cache) Enqueue(dst netip.Addr, p packet.IPv4, ifName string) {
	if mac, ok := c.Lookup(dst); ok {
		// Resolved between the caller's lookup and now.
		if ifc, ok := c.ifaces.ByName(ifName); ok {
			if err := c.send.Send(packet.Frame(mac, ifc.MAC, packet.EtherTypeIPv4, p), ifName); err != nil {
				log.WithError(err).WithField("iface", ifName).Warn("Sending packet")
			}
		}
		return
	}

	c.mu.Lock()
	req := c.requests[dst]
	first := req == nil
	if first {
		req = &request{ip: dst, iface: ifName, sent: c.Now(), tries: 1}
		c.requests[dst] = req
	}
	if len(req.queued) >= c.cfg.MaxQueued {
		c.mu.Unlock()
		queueDrops.Inc()
		log.WithFields(log.Fields{"ip": dst, "iface": ifName}).Debug("Resolution queue full, dropping packet")
		return
	}
	req.queued = append(req.queued, p.Clone())
	c.mu.Unlock()

	if first {
		c.request(dst, ifName)
	}
}

// queueLen returns the number of packets waiting on ip.
func (c *Cache) queueLen(ip netip.Addr) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req := c.requests[ip]; req != nil {
		return len(req.queued)
	}
	return 0
}

// Sweep re-sends requests that have gone unanswered for the retry
// interval and gives up on those that already used every attempt.
func (c *Cache) Sweep(now time.Time) {
	type resend struct {
		ip    netip.Addr
		iface string
	}
	var (
		resends []resend
		dropped []Queued
	)

	c.mu.Lock()
	for ip, req := range c.requests {
		if now.Sub(req.sent) < c.cfg.RetryInterval {
			continue
		}
		if req.tries >= c.cfg.MaxRequests {
			log.WithFields(log.Fields{
				"ip":     ip,
				"iface":  req.iface,
				"tries":  req.tries,
				"queued": len(req.queued),
			}).Info("Next hop unreachable, dropping queued packets")
			for _, p := range req.queued {
				dropped = append(dropped, Queued{Packet: p, Iface: req.iface})
			}
			delete(c.requests, ip)
			continue
		}
		req.tries++
		req.sent = now
		resends = append(resends, resend{ip, req.iface})
	}
	c.mu.Unlock()

	for _, r := range resends {
		c.request(r.ip, r.iface)
	}
	if c.giveUp != nil {
		for _, q := range dropped {
			c.giveUp(q)
		}
	}
}

// Run sweeps on the retry interval and expires entries until ctx is
// done.
func (c *Cache) Run(ctx context.Context) error {
	go c.entries.Start()
	defer c.entries.Stop()

	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(c.Now())
		}
	}
}
