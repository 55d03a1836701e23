package link

import (
	"context"
	"errors"
	"time"

	"github.com/google/gopacket/afpacket"

	"go.universe.tf/natrouter/iface"
)

const pollTimeout = 100 * time.Millisecond

type afpacketPort struct {
	h *afpacket.TPacket
}

func openPort(ifc iface.Interface) (port, error) {
	h, err := afpacket.NewTPacket(
		afpacket.OptInterface(ifc.Name),
		afpacket.OptPollTimeout(pollTimeout),
	)
	if err != nil {
		return nil, err
	}
	return &afpacketPort{h: h}, nil
}

func (p *afpacketPort) send(frame []byte) error {
	return p.h.WritePacketData(frame)
}

func (p *afpacketPort) receive(ctx context.Context, fn func([]byte)) error {
	for ctx.Err() == nil {
		data, _, err := p.h.ReadPacketData()
		switch {
		case errors.Is(err, afpacket.ErrTimeout):
			continue
		case err != nil:
			return err
		}
		fn(data)
	}
	return nil
}

func (p *afpacketPort) close() error {
	p.h.Close()
	return nil
}
