package nat

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/natrouter/packet"
)

// Eviction reasons, used in logs and metrics.
const (
	reasonICMPIdle        = "icmp_idle"
	reasonTCPEmpty        = "tcp_no_connections"
	reasonEstablishedIdle = "tcp_established_idle"
	reasonTransitoryIdle  = "tcp_transitory_idle"
	reasonUnsolicited     = "unsolicited_syn_timeout"
)

// Sweep evicts everything idle at now and returns the held SYNs whose
// grace period ran out, for the caller to answer. A mapping or
// connection idle for exactly its timeout is evicted.
func (t *Table) Sweep(now time.Time) []packet.IPv4 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var abandoned []packet.IPv4
	for _, m := range t.byExternal {
		switch m.proto {
		case ProtocolICMP:
			if now.Sub(m.lastUpdated) >= t.cfg.ICMPTimeout {
				t.evictLocked(m, reasonICMPIdle)
			}
		case ProtocolTCP:
			kept := m.conns[:0]
			for _, c := range m.conns {
				idle := now.Sub(c.lastUpdated)
				switch {
				case c.pending != nil && idle >= t.cfg.UnsolicitedGrace:
					abandoned = append(abandoned, c.pending)
					if t.pending[c.remote] == m {
						delete(t.pending, c.remote)
					}
					t.logConnEviction(m, c, reasonUnsolicited)
				case c.pending == nil && c.state == StateEstablished && idle >= t.cfg.TCPEstablishedTimeout:
					t.logConnEviction(m, c, reasonEstablishedIdle)
				case c.pending == nil && c.state != StateEstablished && idle >= t.cfg.TCPTransitoryTimeout:
					t.logConnEviction(m, c, reasonTransitoryIdle)
				default:
					kept = append(kept, c)
				}
			}
			clear(m.conns[len(kept):])
			m.conns = kept
			if len(m.conns) == 0 {
				t.evictLocked(m, reasonTCPEmpty)
			}
		}
	}
	return abandoned
}

func (t *Table) evictLocked(m *mapping, reason string) {
	t.deleteLocked(m)
	evictions.WithLabelValues(reason).Inc()
	log.WithFields(log.Fields{
		"proto":    m.proto,
		"external": m.external,
		"reason":   reason,
	}).Info("Mapping expired")
}

func (t *Table) logConnEviction(m *mapping, c *conn, reason string) {
	evictions.WithLabelValues(reason).Inc()
	log.WithFields(log.Fields{
		"external": m.external,
		"remote":   c.remote,
		"state":    c.state,
		"reason":   reason,
	}).Debug("Connection expired")
}

// Reaper sweeps a Table on a fixed tick in its own goroutine.
type Reaper struct {
	table       *Table
	interval    time.Duration
	onAbandoned func(syn packet.IPv4)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReaper returns a Reaper for t ticking at the table's configured
// sweep interval. onAbandoned, if non-nil, is called outside the
// table lock with each held SYN whose grace period expired.
func NewReaper(t *Table, onAbandoned func(syn packet.IPv4)) *Reaper {
	return &Reaper{
		table:       t,
		interval:    t.cfg.SweepInterval,
		onAbandoned: onAbandoned,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling it more than once is a no-op.
func (r *Reaper) Start() {
	r.startOnce.Do(func() { go r.loop() })
}

// Stop signals the loop and waits for it to exit. A sweep in progress
// completes first, so the table is never left mid-sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.Start() // ensure done is eventually closed
	<-r.done
}

// Run starts the reaper and blocks until ctx is cancelled, then stops
// it.
func (r *Reaper) Run(ctx context.Context) error {
	r.Start()
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	r.Stop()
	return nil
}

func (r *Reaper) loop() {
	defer close(r.done)
	log.WithField("interval", r.interval).Info("NAT reaper started")
	defer log.Info("NAT reaper stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		for _, syn := range r.table.Sweep(r.table.Now()) {
			if r.onAbandoned != nil {
				r.onAbandoned(syn)
			}
		}
	}
}
