// Package link sends and receives raw Ethernet frames on the router's
// interfaces.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.universe.tf/natrouter/iface"
)

var ErrUnknownInterface = errors.New("unknown interface")

// Handler is called with every frame received on an interface. The
// frame belongs to the handler.
type Handler func(frame []byte, ifName string)

type port interface {
	send(frame []byte) error
	// receive delivers frames to fn until ctx is done.
	receive(ctx context.Context, fn func([]byte)) error
	close() error
}

// Ports is the set of open interfaces.
type Ports struct {
	ifs   map[string]iface.Interface
	ports map[string]port
}

// Open opens a raw socket on every interface in ifs.
func Open(ifs []iface.Interface) (*Ports, error) {
	ps := &Ports{
		ifs:   map[string]iface.Interface{},
		ports: map[string]port{},
	}
	for _, ifc := range ifs {
		p, err := openPort(ifc)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("opening %s: %w", ifc.Name, err)
		}
		ps.ifs[ifc.Name] = ifc
		ps.ports[ifc.Name] = p
		log.WithFields(log.Fields{"iface": ifc.Name, "mac": ifc.MAC}).Info("Opened interface")
	}
	return ps, nil
}

// Send transmits frame on ifName. Failures are reported, not retried.
func (ps *Ports) Send(frame []byte, ifName string) error {
	p, ok := ps.ports[ifName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifName)
	}
	return p.send(frame)
}

// Run receives on every interface, calling h for each frame, until
// ctx is done or a receive loop fails. Frames the router sent itself
// are skipped.
func (ps *Ports) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, p := range ps.ports {
		mac := ps.ifs[name].MAC
		g.Go(func() error {
			err := p.receive(ctx, func(frame []byte) {
				if len(frame) >= 12 && len(mac) == 6 && bytes.Equal(frame[6:12], mac) {
					return
				}
				h(frame, name)
			})
			if err != nil {
				return fmt.Errorf("receiving on %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every interface.
func (ps *Ports) Close() error {
	var errs []error
	for name, p := range ps.ports {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
