//go:build !linux

package link

import (
	"errors"

	"go.universe.tf/natrouter/iface"
)

func openPort(ifc iface.Interface) (port, error) {
	return nil, errors.New("raw Ethernet sockets require Linux")
}
